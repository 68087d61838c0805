package notify

import (
	"context"
	"fmt"
	"log"

	"qms/token-portal/internal/models"

	pubnub "github.com/pubnub/go"
)

// Announcer tells waiting citizens (phone apps, audio callers on the TV
// screens) that a token has been called to a counter.
type Announcer interface {
	Announce(ctx context.Context, token models.Token) error
}

type Noop struct{}

func (Noop) Announce(context.Context, models.Token) error { return nil }

type PubNubConfig struct {
	PublishKey   string
	SubscribeKey string
	SecretKey    string
	UUID         string
}

type PubNubAnnouncer struct {
	pn *pubnub.PubNub
}

// NewPubNub returns a Noop announcer when keys are not configured.
func NewPubNub(cfg PubNubConfig) Announcer {
	if cfg.PublishKey == "" || cfg.SubscribeKey == "" {
		return Noop{}
	}
	pnConfig := pubnub.NewConfig()
	pnConfig.PublishKey = cfg.PublishKey
	pnConfig.SubscribeKey = cfg.SubscribeKey
	pnConfig.SecretKey = cfg.SecretKey
	if cfg.UUID != "" {
		pnConfig.UUID = cfg.UUID
	}
	return &PubNubAnnouncer{pn: pubnub.NewPubNub(pnConfig)}
}

func (a *PubNubAnnouncer) Announce(ctx context.Context, token models.Token) error {
	_, _, err := a.pn.Publish().
		Channel(Channel(token.DivisionID)).
		Message(Message(token)).
		Execute()
	if err != nil {
		return fmt.Errorf("publish token %d: %w", token.TokenID, err)
	}
	return nil
}

// AnnounceAsync fires the announcement off the request path; failures are
// only logged because the status change itself already committed.
func AnnounceAsync(a Announcer, token models.Token) {
	if a == nil {
		return
	}
	go func() {
		if err := a.Announce(context.Background(), token); err != nil {
			log.Printf("announce error token_id=%d: %v", token.TokenID, err)
		}
	}()
}

func Channel(divisionID int64) string {
	return fmt.Sprintf("division-%d", divisionID)
}

func Message(token models.Token) map[string]any {
	return map[string]any{
		"type":          "token.called",
		"token_id":      token.TokenID,
		"token_number":  token.TokenNumber,
		"display":       fmt.Sprintf("%03d", token.TokenNumber),
		"department_id": token.DepartmentID,
		"division_id":   token.DivisionID,
		"division_name": token.DivisionName,
		"status":        token.Status,
	}
}
