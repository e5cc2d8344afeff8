package budget

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Category is a class of memory consumer whose usage is tracked against its own quota
type Category int

const (
	// CategoryLogicState is memory holding state owned by the logic backend
	CategoryLogicState Category = iota
	// CategoryGraphicsBuffers is memory for vertex, index, uniform and storage buffers
	CategoryGraphicsBuffers
	// CategoryGraphicsTextures is memory for textures and render targets
	CategoryGraphicsTextures
	// CategoryAcceleratorModels is memory for accelerator model weights
	CategoryAcceleratorModels
	// CategoryAcceleratorTensors is memory for accelerator input and output tensors
	CategoryAcceleratorTensors
	// CategoryScratch is short-lived memory shared by every backend
	CategoryScratch

	categoryCount
)

var categoryMapping = make(map[Category]string)

func (c Category) String() string {
	return categoryMapping[c]
}

func init() {
	categoryMapping[CategoryLogicState] = "logic-state"
	categoryMapping[CategoryGraphicsBuffers] = "graphics-buffers"
	categoryMapping[CategoryGraphicsTextures] = "graphics-textures"
	categoryMapping[CategoryAcceleratorModels] = "accelerator-models"
	categoryMapping[CategoryAcceleratorTensors] = "accelerator-tensors"
	categoryMapping[CategoryScratch] = "scratch"
}

// Valid returns true if the category is one of the known categories
func (c Category) Valid() bool {
	return c >= 0 && c < categoryCount
}

// Categories returns every known category in declaration order
func Categories() []Category {
	categories := make([]Category, 0, categoryCount)
	for c := Category(0); c < categoryCount; c++ {
		categories = append(categories, c)
	}
	return categories
}

// ParseCategory converts a category name, as returned by Category.String, back into a Category
func ParseCategory(name string) (Category, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for category, categoryName := range categoryMapping {
		if categoryName == name {
			return category, nil
		}
	}

	return 0, errors.Newf("unknown budget category: %q", name)
}

// Split assigns each category a percentage of the total budget
type Split map[Category]float64

// DefaultSplit returns the standard division of the total budget between categories
func DefaultSplit() Split {
	return Split{
		CategoryLogicState:         25,
		CategoryGraphicsBuffers:    30,
		CategoryGraphicsTextures:   20,
		CategoryAcceleratorModels:  10,
		CategoryAcceleratorTensors: 10,
		CategoryScratch:            5,
	}
}

// Total returns the sum of every category's percentage
func (s Split) Total() float64 {
	var total float64
	for _, percent := range s {
		total += percent
	}
	return total
}

// Validate returns an error if the split refers to unknown categories, contains a negative
// percentage, or assigns more than 100% of the budget
func (s Split) Validate() error {
	for category, percent := range s {
		if !category.Valid() {
			return errors.Newf("unknown budget category: %d", int(category))
		}
		if percent < 0 {
			return errors.Newf("category %s has a negative share of the budget: %g%%", category, percent)
		}
	}

	if total := s.Total(); total > 100 {
		return errors.Newf("category split assigns %g%% of the budget, which is more than 100%%", total)
	}

	return nil
}
