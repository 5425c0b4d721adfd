package statemachine

import (
	"context"

	"aim-chat/inbox-engine/internal/identity"
	"aim-chat/inbox-engine/internal/transport"
	"aim-chat/inbox-engine/pkg/models"
)

// Kind is the inbox lifecycle state tag.
type Kind string

const (
	Uninitialized Kind = "uninitialized"
	Initializing  Kind = "initializing"
	Authorizing   Kind = "authorizing"
	Registering   Kind = "registering"
	Ready         Kind = "ready"
	Stopping      Kind = "stopping"
	Deleting      Kind = "deleting"
	Failed        Kind = "error"
)

// State is the observable machine state. Ready is set only for
// Kind == Ready; Cause only for Kind == Failed.
type State struct {
	Kind  Kind
	Ready *ReadyResult
	Cause error
}

// ReadyResult is produced once per successful authorization and shared
// read-only by downstream components until the next stop or
// re-authorize.
type ReadyResult struct {
	Identity *identity.Identity
	Client   transport.Client
	API      BackendAPI
}

// BackendAPI is the slice of the backend client the machine and its
// runtime need.
type BackendAPI interface {
	Authenticate(ctx context.Context, inboxID, installationID string) error
	CreateUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, inboxID string) (models.User, error)
	GetProfiles(ctx context.Context, inboxIDs []string) ([]models.MemberProfile, error)
	RegisterPushToken(ctx context.Context, installationID, deviceToken string) error
	SubscribeToTopics(ctx context.Context, installationID string, topics []string) error
	UnsubscribeFromTopics(ctx context.Context, installationID string, topics []string) error
	UnregisterInstallation(ctx context.Context, installationID string) error
}
