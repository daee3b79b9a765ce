package shm

import (
	"fmt"
	"os"
)

// Control writes the external trigger block of a monitor's mapping
type Control struct {
	mf *mapFile
}

// OpenControl opens the mapping of monitorID for writing
func OpenControl(mapDir string, monitorID int) (*Control, error) {
	mf, err := openMap(MapPath(mapDir, monitorID), os.O_RDWR)
	if err != nil {
		return nil, err
	}
	if err := mf.verifyLayout(); err != nil {
		mf.Close()
		return nil, err
	}
	return &Control{mf: mf}, nil
}

// Shared returns the current shared data, failing if the mapping went stale
func (c *Control) Shared() (SharedData, error) {
	if err := c.mf.checkReplaced(); err != nil {
		return SharedData{}, err
	}
	sd, err := c.mf.sharedData()
	if err != nil {
		return SharedData{}, err
	}
	if !sd.Valid {
		return SharedData{}, fmt.Errorf("%w: mapping invalidated", ErrHostUnavailable)
	}
	return sd, nil
}

// Trigger returns the current trigger block
func (c *Control) Trigger() (TriggerData, error) {
	b, err := c.mf.readAt(triggerOffset, TriggerDataSize)
	if err != nil {
		return TriggerData{}, err
	}
	return decodeTriggerData(b), nil
}

// SetTrigger publishes cause, text and score and clears the show-text, then
// switches the trigger on. The state is written last so the host never sees
// ON with stale text.
func (c *Control) SetTrigger(cause, text string, score uint32) error {
	if len(cause) >= triggerCauseLen {
		return fmt.Errorf("trigger cause %q exceeds %d bytes", cause, triggerCauseLen-1)
	}
	if len(text) >= triggerTextLen {
		return fmt.Errorf("trigger text exceeds %d bytes", triggerTextLen-1)
	}

	cur, err := c.Trigger()
	if err != nil {
		return err
	}
	td := TriggerData{
		Size:  TriggerDataSize,
		State: cur.State,
		Score: score,
		Cause: cause,
		Text:  text,
	}
	if err := c.mf.writeAt(triggerOffset, td.encode()); err != nil {
		return err
	}
	return c.writeState(TriggerOn)
}

// ResetTrigger clears the trigger block and cancels the trigger
func (c *Control) ResetTrigger() error {
	cur, err := c.Trigger()
	if err != nil {
		return err
	}
	td := TriggerData{Size: TriggerDataSize, State: cur.State}
	if err := c.mf.writeAt(triggerOffset, td.encode()); err != nil {
		return err
	}
	return c.writeState(TriggerCancel)
}

func (c *Control) writeState(state uint32) error {
	b := make([]byte, 4)
	le.PutUint32(b, state)
	return c.mf.writeAt(triggerOffset+4, b)
}

// Close releases the mapping
func (c *Control) Close() error {
	return c.mf.Close()
}
