package keys

import (
	"context"
	"errors"

	"e2e_messenger/internal/model"
)

var (
	ErrUnauthorized = errors.New("keys: unauthorized")
	ErrNotFound     = errors.New("keys: not found")
)

type (
	// Fetcher is what the cipher worker needs from key distribution.
	Fetcher interface {
		// FetchBundles returns one entry per device. An entry with a nil
		// Bundle means the server has no key data for that device. An empty
		// devices list asks for every registered device.
		FetchBundles(ctx context.Context, user model.UserId, devices []model.DeviceId) ([]model.DeviceBundle, error)
	}

	// Repository is the server side storage of published keys.
	Repository interface {
		Publish(ctx context.Context, addr model.Address, keys model.PublishedKeys) error
		FetchBundles(ctx context.Context, user model.UserId, devices []model.DeviceId) ([]model.DeviceBundle, error)
	}

	// TokenSource supplies the bearer token sent with every request.
	TokenSource interface {
		Token(ctx context.Context) (string, error)
	}

	fetchResponse struct {
		Devices []model.DeviceBundle `json:"devices"`
	}
)
