package mongodb

import (
	"errors"
	"fmt"

	"github.com/layerx/content-processing-service/internal/domain/entity"
	"go.mongodb.org/mongo-driver/mongo"
)

func readError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, mongo.ErrNoDocuments) {
		return fmt.Errorf("%s: %w", op, entity.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, entity.ErrRead, err)
}

func writeError(op string, err error) error {
	if err == nil {
		return nil
	}
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("%s: %w", op, entity.ErrTaskAlreadyExists)
	}
	return fmt.Errorf("%s: %w: %w", op, entity.ErrWrite, err)
}
