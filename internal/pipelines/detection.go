package pipelines

import (
	"ml-pipelines/internal/core/domain"
)

const DetectionPipelineName = "yolov5_pipeline"

const (
	StepDataLoader     = "data_loader"
	StepTrainAugmenter = "train_augmenter"
	StepValidAugmenter = "valid_augmenter"
	StepTrainer        = "trainer"
	StepDetector       = "detector"
)

// Detection declares the sign language detection pipeline. Both augmenters
// depend only on the loader and run concurrently.
func Detection() (*domain.Pipeline, error) {
	return build(&domain.Pipeline{
		Name: DetectionPipelineName,
		Steps: []domain.StepSpec{
			{
				Name:    StepDataLoader,
				Kind:    domain.StepExternal,
				Outputs: []string{"train_images", "valid_images", "test_images"},
			},
			{
				Name:    StepTrainAugmenter,
				Kind:    domain.StepExternal,
				Inputs:  map[string]domain.InputRef{"images": domain.From(StepDataLoader, "train_images")},
				Outputs: []string{"images"},
			},
			{
				Name:    StepValidAugmenter,
				Kind:    domain.StepExternal,
				Inputs:  map[string]domain.InputRef{"images": domain.From(StepDataLoader, "valid_images")},
				Outputs: []string{"images"},
			},
			{
				Name: StepTrainer,
				Kind: domain.StepExternal,
				Inputs: map[string]domain.InputRef{
					"train_images": domain.From(StepTrainAugmenter, "images"),
					"valid_images": domain.From(StepValidAugmenter, "images"),
				},
				Outputs: []string{"model"},
			},
			{
				Name: StepDetector,
				Kind: domain.StepExternal,
				Inputs: map[string]domain.InputRef{
					"model":  domain.From(StepTrainer, "model"),
					"images": domain.From(StepDataLoader, "test_images"),
				},
				Outputs: []string{"detections"},
			},
		},
		Outputs: map[string]domain.InputRef{
			"model":      domain.From(StepTrainer, "model"),
			"detections": domain.From(StepDetector, "detections"),
		},
	})
}
