package leads

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"leadflow/internal/bootstrap/logging"
	"leadflow/internal/domain/engagement"
	"leadflow/internal/ports"
)

// Concurrent inserts of the same identifier converge after one re-select;
// the bound only guards against a pathological loop.
const maxResolveAttempts = 3

// FindOrCreate resolves signals to the tenant's customer. It must run inside
// WithTenantTx for tenantID.
//
// Strong identifiers are looked up in priority order and the first owner
// wins. Its empty slots are then filled with the other identifiers, skipping
// values another customer already owns. Display name never selects a
// customer. With no match the customer is inserted; losing an insert race to
// a concurrent transaction re-selects the winner's row.
func (s *Service) FindOrCreate(ctx context.Context, tenantID string, signals engagement.Signals) (ports.Customer, bool, error) {
	if err := s.check(ctx); err != nil {
		return ports.Customer{}, false, err
	}
	if current, ok := ports.TenantFromContext(ctx); !ok || current != tenantID {
		return ports.Customer{}, false, errors.New("find or create requires a transaction pinned to the tenant")
	}

	ids := signals.StrongIdentifiers()
	if len(ids) == 0 {
		return ports.Customer{}, false, engagement.ErrNoStrongIdentifier
	}

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		existing, found, err := s.lookupStrong(ctx, ids)
		if err != nil {
			return ports.Customer{}, false, err
		}
		if found {
			enriched, err := s.enrich(ctx, existing, ids, signals.DisplayName)
			return enriched, false, err
		}

		candidate := ports.Customer{
			TenantID:    tenantID,
			DisplayName: signals.DisplayName,
			Status:      engagement.StatusCold,
		}
		for _, id := range ids {
			candidate.SetSlot(id.Slot, id.Value)
		}
		created, err := s.customers.InsertCustomer(ctx, candidate)
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, engagement.ErrCustomerConflict) {
			return ports.Customer{}, false, err
		}
		logging.Debug(
			logging.WithComponent(ctx, "usecase.leads.identity"),
			"customer insert lost a race, re-selecting",
			slog.Int("attempt", attempt+1),
		)
	}
	return ports.Customer{}, false, fmt.Errorf("resolve customer: %w", engagement.ErrCustomerConflict)
}

func (s *Service) lookupStrong(ctx context.Context, ids []engagement.Identifier) (ports.Customer, bool, error) {
	for _, id := range ids {
		c, found, err := s.customers.FindCustomerBySlot(ctx, id.Slot, id.Value)
		if err != nil {
			return ports.Customer{}, false, err
		}
		if found {
			return c, true, nil
		}
	}
	return ports.Customer{}, false, nil
}

func (s *Service) enrich(ctx context.Context, c ports.Customer, ids []engagement.Identifier, displayName string) (ports.Customer, error) {
	patch := ports.CustomerIdentityPatch{Slots: map[engagement.IdentifierSlot]string{}}
	for _, id := range ids {
		if c.Slot(id.Slot) != "" {
			continue
		}
		owner, owned, err := s.customers.FindCustomerBySlot(ctx, id.Slot, id.Value)
		if err != nil {
			return ports.Customer{}, err
		}
		if owned && owner.ID != c.ID {
			continue
		}
		patch.Slots[id.Slot] = id.Value
	}
	if c.DisplayName == "" && displayName != "" {
		patch.DisplayName = displayName
	}
	if patch.IsEmpty() {
		return c, nil
	}

	err := s.customers.UpdateCustomerIdentity(ctx, c.ID, patch)
	if errors.Is(err, engagement.ErrCustomerConflict) {
		// A slot was claimed between the check and the write. Apply the
		// remaining slots one at a time and drop the contested ones.
		for slot, value := range patch.Slots {
			single := ports.CustomerIdentityPatch{Slots: map[engagement.IdentifierSlot]string{slot: value}}
			if err := s.customers.UpdateCustomerIdentity(ctx, c.ID, single); err != nil && !errors.Is(err, engagement.ErrCustomerConflict) {
				return ports.Customer{}, err
			}
		}
		if patch.DisplayName != "" {
			err = s.customers.UpdateCustomerIdentity(ctx, c.ID, ports.CustomerIdentityPatch{DisplayName: patch.DisplayName})
		} else {
			err = nil
		}
	}
	if err != nil {
		return ports.Customer{}, err
	}
	return s.customers.GetCustomer(ctx, c.ID)
}
