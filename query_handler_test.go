package escore

import (
	"context"
	"errors"
	"testing"
)

type accountByID struct {
	Account string
}

func (q accountByID) ID() []byte { return []byte(q.Account) }

type accountSummary struct {
	Owner   string
	Balance int
}

type accountsByOwner struct {
	Owner string
}

func (q accountsByOwner) ID() []byte { return []byte(q.Owner) }

func TestNewQueryHandlerFunc(t *testing.T) {
	type ownerKey struct{}
	errOffline := errors.New("ledger offline")

	handler := NewQueryHandlerFunc(func(ctx context.Context, q accountByID) (accountSummary, error) {
		if q.Account == "" {
			return accountSummary{}, errOffline
		}
		owner, _ := ctx.Value(ownerKey{}).(string)
		return accountSummary{Owner: owner, Balance: len(q.Account)}, nil
	})

	ctx := context.WithValue(context.Background(), ownerKey{}, "ann")
	got, err := handler.HandleQuery(ctx, accountByID{Account: "acc-7"})
	if err != nil {
		t.Fatalf("HandleQuery: %v", err)
	}
	if got != (accountSummary{Owner: "ann", Balance: 5}) {
		t.Errorf("HandleQuery = %+v", got)
	}

	if _, err := handler.HandleQuery(ctx, accountByID{}); !errors.Is(err, errOffline) {
		t.Errorf("error = %v, want %v", err, errOffline)
	}
}
