// Package classifier selects the moderation backend used by the workers.
package classifier

import (
	"fmt"

	"github.com/yashenkoxciv/image-moderation-platform/internal/classifier/mock"
	"github.com/yashenkoxciv/image-moderation-platform/internal/classifier/remote"
	"github.com/yashenkoxciv/image-moderation-platform/internal/config"
	"github.com/yashenkoxciv/image-moderation-platform/pkg/models"
)

// New constructs the classifier named by cfg.Provider.
// Called once at worker startup.
func New(cfg config.ClassifierConfig) (models.Classifier, error) {
	switch cfg.Provider {
	case "remote":
		return remote.NewClassifier(cfg), nil
	case "mock":
		return mock.NewClassifier(), nil
	default:
		return nil, fmt.Errorf("unknown classifier provider %q: must be one of remote, mock", cfg.Provider)
	}
}
