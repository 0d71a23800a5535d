package economy

import (
	"context"
	"fmt"

	"github.com/gamehub/economy-engine/internal/ledger"
	"github.com/gamehub/economy-engine/internal/model"
)

// CreateArtifact mints an artifact owned by a player, e.g. one crafted or
// looted in game. Minting moves no fungible value and writes no ledger
// entry; the artifact's later transfers do.
func (e *Engine) CreateArtifact(ctx context.Context, ownerID, templateID string, tradable bool, opts ...UnitOption) (*model.Artifact, error) {
	owner, err := player(ownerID)
	if err != nil {
		return nil, err
	}
	if templateID == "" {
		return nil, fmt.Errorf("%w: artifact template is required", model.ErrItemNotTradable)
	}

	a := &model.Artifact{OwnerID: owner.ID(), TemplateID: templateID, Tradable: tradable}
	err = e.run(ctx, opts, func(u *ledger.Unit) error {
		if err := u.LockAccounts(ctx, owner); err != nil {
			return err
		}
		return u.InsertArtifact(a)
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("artifact created", "artifact", a.ID, "account", a.OwnerID, "template", templateID)
	return a, nil
}

// GetArtifact returns an artifact and its current owner.
func (e *Engine) GetArtifact(ctx context.Context, id string) (*model.Artifact, error) {
	a, err := e.store.GetArtifact(ctx, id)
	return a, model.DBError("get artifact "+id, err)
}
