package interfaces

import "context"

// Classification is a classifier's label for a text and its confidence in it
type Classification struct {
	Label      string
	Confidence float64
}

// Classifier is an external statistical or ML text classifier
type Classifier interface {
	// Classify labels text
	Classify(ctx context.Context, text string) (Classification, error)

	// Name returns the name of the classifier backend
	Name() string
}
