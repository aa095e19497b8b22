/**
 * @description
 * This file implements the eligibility gate of the mint pipeline: the device must exist in
 * the registry, be initialized, and be bound to the claiming wallet.
 */

package app

import (
	"context"
	"errors"

	"github.com/pointsmint/mint-service/internal/domain"
	"github.com/pointsmint/mint-service/internal/store"
)

// EligibilityGate checks the device registry and the ownership binding. It has no side effects.
type EligibilityGate struct {
	repo store.Repository
}

// NewEligibilityGate creates a gate reading the device and binding registries from repo.
func NewEligibilityGate(repo store.Repository) *EligibilityGate {
	return &EligibilityGate{repo: repo}
}

// Check confirms the device exists, is initialized and is bound to the claimant.
func (g *EligibilityGate) Check(ctx context.Context, claimant, publisherName string) error {
	device, err := g.repo.FindDeviceByPublisherName(ctx, publisherName)
	if err != nil {
		if errors.Is(err, store.ErrDeviceNotFound) {
			return domain.NewMintError(domain.KindDeviceNotFound, "Device does not exist", nil)
		}
		return domain.NewMintError(domain.KindInternal, "Failed to load device", err)
	}
	if !device.Initialized {
		return domain.NewMintError(domain.KindDeviceNotInitialized, "Device not initialized", nil)
	}

	bound, err := g.repo.HasDeviceBinding(ctx, claimant, publisherName)
	if err != nil {
		return domain.NewMintError(domain.KindInternal, "Failed to load device binding", err)
	}
	if !bound {
		return domain.NewMintError(domain.KindDeviceNotBound, "Device not bound", nil)
	}
	return nil
}
