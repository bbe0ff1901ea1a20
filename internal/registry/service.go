package registry

import (
	"context"
	"errors"
	"net/url"
	"strings"
)

// Validation errors returned by the Service layer.
var (
	ErrNameRequired         = errors.New("name is required")
	ErrNameInClientRequired = errors.New("name_in_client is required")
	ErrProviderRequired     = errors.New("provider is required")
	ErrProviderURLInvalid   = errors.New("provider_url must be a valid http(s) URL")
	ErrTypeInvalid          = errors.New("type must be one of: chat, embedding, image")
	ErrPriceNegative        = errors.New("prices must not be negative")
	ErrNameInClientTaken    = errors.New("name_in_client already in use")
	ErrInvalidCursor        = errors.New("invalid cursor")
)

var validTypes = map[string]bool{
	"chat":      true,
	"embedding": true,
	"image":     true,
}

type modelStore interface {
	Create(ctx context.Context, input CreateModelInput) (*Model, error)
	GetByID(ctx context.Context, id string) (*Model, error)
	GetByNameInClient(ctx context.Context, name string) (*Model, error)
	List(ctx context.Context, params ModelListParams) ([]*Model, string, error)
	Update(ctx context.Context, id string, input UpdateModelInput) (*Model, error)
	Delete(ctx context.Context, id string) error
}

// Service provides validated business logic over the model Store.
type Service struct {
	store modelStore
}

// NewService creates a new Service wrapping the given store.
func NewService(store modelStore) *Service {
	return &Service{store: store}
}

// Create validates the input and registers the model.
func (s *Service) Create(ctx context.Context, input CreateModelInput) (*Model, error) {
	if input.Type == "" {
		input.Type = "chat"
	}
	input.Provider = strings.ToLower(strings.TrimSpace(input.Provider))
	if err := validateCreate(input); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, input)
}

// GetByID retrieves a model by its ID.
func (s *Service) GetByID(ctx context.Context, id string) (*Model, error) {
	return s.store.GetByID(ctx, id)
}

// Lookup finds the model a client addressed by name.
func (s *Service) Lookup(ctx context.Context, nameInClient string) (*Model, error) {
	return s.store.GetByNameInClient(ctx, nameInClient)
}

// List returns a paginated list of models.
func (s *Service) List(ctx context.Context, params ModelListParams) ([]*Model, string, error) {
	return s.store.List(ctx, params)
}

// Update validates the input and applies the update.
func (s *Service) Update(ctx context.Context, id string, input UpdateModelInput) (*Model, error) {
	if input.Provider != nil {
		p := strings.ToLower(strings.TrimSpace(*input.Provider))
		input.Provider = &p
	}
	if err := validateUpdate(input); err != nil {
		return nil, err
	}
	return s.store.Update(ctx, id, input)
}

// Delete removes a model by its ID.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.Delete(ctx, id)
}

func validateCreate(input CreateModelInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return ErrNameRequired
	}
	if strings.TrimSpace(input.NameInClient) == "" {
		return ErrNameInClientRequired
	}
	if input.Provider == "" {
		return ErrProviderRequired
	}
	if err := validateProviderURL(input.ProviderURL); err != nil {
		return err
	}
	if !validTypes[input.Type] {
		return ErrTypeInvalid
	}
	if input.InputPrice.IsNegative() || input.OutputPrice.IsNegative() {
		return ErrPriceNegative
	}
	return nil
}

func validateUpdate(input UpdateModelInput) error {
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		return ErrNameRequired
	}
	if input.NameInClient != nil && strings.TrimSpace(*input.NameInClient) == "" {
		return ErrNameInClientRequired
	}
	if input.Provider != nil && *input.Provider == "" {
		return ErrProviderRequired
	}
	if input.ProviderURL != nil {
		if err := validateProviderURL(*input.ProviderURL); err != nil {
			return err
		}
	}
	if input.Type != nil && !validTypes[*input.Type] {
		return ErrTypeInvalid
	}
	if (input.InputPrice != nil && input.InputPrice.IsNegative()) ||
		(input.OutputPrice != nil && input.OutputPrice.IsNegative()) {
		return ErrPriceNegative
	}
	return nil
}

// validateProviderURL checks for an http(s) URL with a host.
func validateProviderURL(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return ErrProviderURLInvalid
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrProviderURLInvalid
	}
	return nil
}
