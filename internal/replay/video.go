package replay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/dj-oyu/zm-aidect/pkg/types"
)

// Properties of the first video stream as reported by ffprobe
type Properties struct {
	CodecName    string `json:"codec_name"`
	AvgFrameRate string `json:"avg_frame_rate"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
}

// FPS parses the "num/den" average frame rate
func (p Properties) FPS() (float64, error) {
	num, den, ok := strings.Cut(p.AvgFrameRate, "/")
	if !ok {
		den = "1"
	}
	a, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid frame rate %q", p.AvgFrameRate)
	}
	b, err := strconv.ParseFloat(den, 64)
	if err != nil || b == 0 {
		return 0, fmt.Errorf("invalid frame rate %q", p.AvgFrameRate)
	}
	return a / b, nil
}

func (p Properties) String() string {
	fps, _ := p.FPS()
	return fmt.Sprintf("%dx%d %.1f fps (%s)", p.Width, p.Height, fps, p.CodecName)
}

func parseProbe(out []byte) (*Properties, error) {
	var probe struct {
		Streams []Properties `json:"streams"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(probe.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream", ErrNoFrames)
	}
	p := probe.Streams[0]
	if p.Width <= 0 || p.Height <= 0 {
		return nil, fmt.Errorf("invalid video size %dx%d", p.Width, p.Height)
	}
	return &p, nil
}

// Probe reads the properties of path's first video stream
func Probe(ctx context.Context, path string) (*Properties, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-select_streams", "v:0",
		"-show_streams",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

// Video decodes a video file to RGB frames through ffmpeg
type Video struct {
	props  *Properties
	fps    float64
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer
	seq    uint64
}

// OpenVideo probes path and starts decoding at its average frame rate
func OpenVideo(ctx context.Context, path string) (*Video, error) {
	props, err := Probe(ctx, path)
	if err != nil {
		return nil, err
	}
	fps, err := props.FPS()
	if err != nil {
		return nil, err
	}

	v := &Video{props: props, fps: fps}
	v.cmd = exec.CommandContext(ctx, "ffmpeg",
		"-v", "error",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s:v", fmt.Sprintf("%dx%d", props.Width, props.Height),
		"-sws_flags", "neighbor",
		"-r", strconv.FormatFloat(fps, 'f', -1, 64),
		"-",
	)
	v.cmd.Stderr = &v.stderr
	v.stdout, err = v.cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := v.cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}
	return v, nil
}

// Properties returns the probed stream properties
func (v *Video) Properties() Properties { return *v.props }

// FPS implements Source
func (v *Video) FPS() float64 { return v.fps }

// Next implements Source
func (v *Video) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, h := v.props.Width, v.props.Height
	buf := make([]byte, w*h*3)
	if _, err := io.ReadFull(v.stdout, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	v.seq++
	return &types.Frame{
		Pixels: &types.Packed{Data: buf, Width: w, Height: h, Format: types.PixelRGB},
		Width:  w,
		Height: h,
		Format: types.PixelRGB,
		Seq:    v.seq,
		Active: true,
	}, nil
}

// Close stops ffmpeg
func (v *Video) Close() error {
	if v.cmd.ProcessState == nil {
		v.cmd.Process.Kill()
	}
	v.cmd.Wait()
	return nil
}
