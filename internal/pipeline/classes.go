package pipeline

import "strconv"

// cocoNames are the 80 COCO labels, indexed by 1-based class id - 1
var cocoNames = [...]string{
	"Human", "Bicycle", "Car", "Motorbike", "Aeroplane", "Bus", "Train", "Truck", "Boat",
	"Traffic light", "Fire hydrant", "Stop sign", "Parking meter", "Bench", "Bird", "Cat",
	"Dog", "Horse", "Sheep", "Cow", "Elephant", "Bear", "Zebra", "Giraffe", "Backpack",
	"Umbrella", "Handbag", "Tie", "Suitcase", "Frisbee", "Skis", "Snowboard", "Sports ball",
	"Kite", "Baseball bat", "Baseball glove", "Skateboard", "Surfboard", "Tennis racket",
	"Bottle", "Wine glass", "Cup", "Fork", "Knife", "Spoon", "Bowl", "Banana", "Apple",
	"Sandwich", "Orange", "Broccoli", "Carrot", "Hot dog", "Pizza", "Donut", "Cake", "Chair",
	"Sofa", "Pottedplant", "Bed", "Diningtable", "Toilet", "Tvmonitor", "Laptop", "Mouse",
	"Remote", "Keyboard", "Cell phone", "Microwave", "Oven", "Toaster", "Sink",
	"Refrigerator", "Book", "Clock", "Vase", "Scissors", "Teddy bear", "Hair drier",
	"Toothbrush",
}

// NumClasses is the size of the COCO label set
const NumClasses = len(cocoNames)

// ClassName returns the display name for a 1-based COCO class id
func ClassName(id int) string {
	if id < 1 || id > NumClasses {
		return "Class " + strconv.Itoa(id)
	}
	return cocoNames[id-1]
}
