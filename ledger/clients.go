package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// CLIENTS
// =============================================================================

type ClientInput struct {
	Name       string
	Phone      string
	Email      string
	Address    string
	CNIC       string
	Membership *Membership
	Actor      string
}

func (in *ClientInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.Phone = strings.TrimSpace(in.Phone)
	in.Email = strings.TrimSpace(in.Email)
	if in.Name == "" {
		return badInput("name", "required")
	}
	if in.Phone == "" {
		return badInput("phone", "required")
	}
	if m := in.Membership; m != nil {
		if m.Type != MembershipFixed && m.Type != MembershipPercentage {
			return badInput("membership.type", "must be FIXED or PERCENTAGE")
		}
		if m.Value.IsNegative() {
			return badInput("membership.value", "must not be negative")
		}
		if m.Type == MembershipPercentage && m.Value.GreaterThan(MustParseMoney("100")) {
			return badInput("membership.value", "percentage must not exceed 100")
		}
		if m.ValidTo != nil && m.ValidTo.Before(m.ValidFrom) {
			return badInput("membership.valid_to", "must not be before valid_from")
		}
	}
	return nil
}

// phoneTaken reports whether another client already uses phone.
func phoneTaken(ctx context.Context, r Reader, phone string, self ClientID) (bool, error) {
	existing, err := r.GetClientByPhone(ctx, phone)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return existing.ID != self, nil
}

// RegisterClient creates an active client with zero credit.
func (e *Engine) RegisterClient(ctx context.Context, in ClientInput) (*Client, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var created *Client
	err := e.withTx(ctx, "register client", func(tx Tx) error {
		taken, err := phoneTaken(ctx, tx, in.Phone, "")
		if err != nil {
			return err
		}
		if taken {
			return badState("A client with this phone number already exists")
		}

		now := e.now()
		c := &Client{
			ID:         ClientID(newID()),
			Name:       in.Name,
			Phone:      in.Phone,
			Email:      in.Email,
			Address:    in.Address,
			CNIC:       in.CNIC,
			IsActive:   true,
			Membership: in.Membership,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		c.ClientNumber, err = e.nextNumber(ctx, tx, SeqClient)
		if err != nil {
			return err
		}
		if err := tx.InsertClient(ctx, c); err != nil {
			return fmt.Errorf("insert client: %w", err)
		}
		if err := e.audit(ctx, tx, AuditEvent{
			EntityType: "client",
			EntityID:   string(c.ID),
			Action:     AuditClientRegistered,
			Actor:      in.Actor,
			Details: map[string]any{
				"client_number": c.ClientNumber,
				"name":          c.Name,
			},
		}); err != nil {
			return err
		}
		created = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info().Str("client_id", string(created.ID)).Str("client_number", created.ClientNumber).Msg("client registered")
	return created, nil
}

// UpdateClient replaces a client's contact and membership details. Credit
// and activity are not touched.
func (e *Engine) UpdateClient(ctx context.Context, id ClientID, in ClientInput) (*Client, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	var updated *Client
	err := e.withTx(ctx, "update client", func(tx Tx) error {
		c, err := tx.GetClient(ctx, id)
		if err != nil {
			return err
		}
		if in.Phone != c.Phone {
			taken, err := phoneTaken(ctx, tx, in.Phone, c.ID)
			if err != nil {
				return err
			}
			if taken {
				return badState("A client with this phone number already exists")
			}
		}
		c.Name = in.Name
		c.Phone = in.Phone
		c.Email = in.Email
		c.Address = in.Address
		c.CNIC = in.CNIC
		c.Membership = in.Membership
		c.UpdatedAt = e.now()
		if err := tx.UpdateClient(ctx, c); err != nil {
			return fmt.Errorf("update client: %w", err)
		}
		if err := e.audit(ctx, tx, AuditEvent{
			EntityType: "client",
			EntityID:   string(c.ID),
			Action:     AuditClientUpdated,
			Actor:      in.Actor,
			Details:    map[string]any{"name": c.Name, "phone": c.Phone},
		}); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeactivateClient hides a client from new invoicing. Existing invoices,
// payments and credit stay as they are.
func (e *Engine) DeactivateClient(ctx context.Context, id ClientID, actor string) error {
	return e.withTx(ctx, "deactivate client", func(tx Tx) error {
		c, err := tx.GetClient(ctx, id)
		if err != nil {
			return err
		}
		if !c.IsActive {
			return nil
		}
		c.IsActive = false
		c.UpdatedAt = e.now()
		if err := tx.UpdateClient(ctx, c); err != nil {
			return fmt.Errorf("update client: %w", err)
		}
		return e.audit(ctx, tx, AuditEvent{
			EntityType: "client",
			EntityID:   string(c.ID),
			Action:     AuditClientDeactivated,
			Actor:      actor,
		})
	})
}

func (e *Engine) GetClient(ctx context.Context, id ClientID) (*Client, error) {
	return e.store.GetClient(ctx, id)
}

func (e *Engine) FindClientByPhone(ctx context.Context, phone string) (*Client, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, badInput("phone", "required")
	}
	return e.store.GetClientByPhone(ctx, phone)
}

func (e *Engine) ListClients(ctx context.Context, activeOnly bool) ([]Client, error) {
	return e.store.ListClients(ctx, activeOnly)
}
