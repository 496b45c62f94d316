package ledger

import (
	"context"
	"fmt"
	"strings"
)

const (
	opCreateFarmer = "create_farmer"
	opClaimFarmer  = "claim_farmer"

	farmerCodeLength = 8
)

// CreateFarmer adds a farmer with a zero balance. Dealer-added farmers are
// placeholders until claimed.
func (e *Engine) CreateFarmer(ctx context.Context, d FarmerDraft) (Farmer, error) {
	if err := validateStruct(d); err != nil {
		return Farmer{}, err
	}
	f := e.farmerFromDraft(d)
	err := e.atomic(ctx, opCreateFarmer, func(u *Unit) error {
		return u.InsertFarmer(ctx, f)
	})
	if err != nil {
		return Farmer{}, err
	}
	return f, nil
}

// ClaimFarmer links a placeholder farmer to the account that signed up
// with its farmer code.
func (e *Engine) ClaimFarmer(ctx context.Context, code, userID string) (Farmer, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" || userID == "" {
		return Farmer{}, &ValidationError{Field: "FarmerCode", Reason: "code and user are required"}
	}
	var claimed Farmer
	err := e.atomic(ctx, opClaimFarmer, func(u *Unit) error {
		f, err := u.FarmerByCode(ctx, code)
		if err != nil {
			return err
		}
		if !f.IsPlaceholder {
			return &InvalidStateError{Kind: "farmer", ID: string(f.ID), From: "claimed", Reason: "profile already claimed"}
		}
		if err := u.ClaimFarmer(ctx, f.ID, userID); err != nil {
			return err
		}
		u.Emit(e.event(EventFarmerClaimed, Notification{
			UserID:   f.DealerID,
			Title:    "Farmer joined",
			Message:  fmt.Sprintf("%s claimed their farmer profile.", f.Name),
			Category: "farmer",
			Link:     "/farmers/" + string(f.ID),
		}))
		f.IsPlaceholder = false
		f.ClaimedBy = userID
		claimed = f
		return nil
	})
	if err != nil {
		return Farmer{}, err
	}
	return claimed, nil
}

func (e *Engine) farmerFromDraft(d FarmerDraft) Farmer {
	id := d.ID
	if id == "" {
		id = FarmerID(e.newID())
	}
	return Farmer{
		ID:            id,
		Name:          strings.TrimSpace(d.Name),
		Location:      strings.TrimSpace(d.Location),
		DealerID:      d.DealerID,
		FarmerCode:    farmerCode(e.newID()),
		IsPlaceholder: !d.Claimed,
		CreatedAt:     e.now(),
	}
}

func farmerCode(seed string) string {
	code := strings.ToUpper(strings.ReplaceAll(seed, "-", ""))
	if len(code) > farmerCodeLength {
		code = code[:farmerCodeLength]
	}
	return code
}
