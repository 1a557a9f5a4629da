package forms

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/joseph-ayodele/formsign/constants"
	"github.com/joseph-ayodele/formsign/internal/cache"
	"github.com/joseph-ayodele/formsign/internal/common"
	"github.com/joseph-ayodele/formsign/internal/repository"
	"github.com/joseph-ayodele/formsign/internal/repository/repotest"
)

func newService(t *testing.T) (*Service, *cache.Manager) {
	t.Helper()
	db := repotest.Open(t)
	log := repotest.Logger()
	cm := cache.NewManager(cache.Options{
		Prefix:  "t_",
		Version: "v1",
		Memory:  cache.NewMemoryTier(10, nil),
		Logger:  log,
	})
	return NewService(repository.NewFormRepository(db, log), cm, log), cm
}

func TestCreateFormValidatesSettings(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	cases := map[string]CreateFormRequest{
		"missing name":       {Name: "  "},
		"unknown key":        {Name: "A", Settings: json.RawMessage(`{"signature":{"enabeld":true}}`)},
		"bad action":         {Name: "A", Settings: json.RawMessage(`{"signature":{"signers":[{"email_field":"e","name_field":"n","action":"witness"}]}}`)},
		"enabled, no signer": {Name: "A", Settings: json.RawMessage(`{"signature":{"enabled":true}}`)},
		"not json":           {Name: "A", Settings: json.RawMessage(`{`)},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := svc.CreateForm(ctx, req); !errors.Is(err, common.ErrValidation) {
				t.Fatalf("err = %v", err)
			}
		})
	}

	form, err := svc.CreateForm(ctx, CreateFormRequest{
		Name:             " Lease ",
		SignatureEnabled: true,
		Settings:         json.RawMessage(`{"signature":{"enabled":true,"signers":[{"email_field":"email","name_field":"name"}]}}`),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if form.Name != "Lease" || !form.WantsSignature() || form.Status != constants.FormActive {
		t.Fatalf("form = %+v", form)
	}
	got, err := svc.GetForm(ctx, form.ID)
	if err != nil || got.Settings.Signature.Signers[0].EmailField != "email" {
		t.Fatalf("get = %+v, %v", got, err)
	}
}

func TestSetStatusDropsCachedForm(t *testing.T) {
	svc, cm := newService(t)
	ctx := context.Background()
	form, err := svc.CreateForm(ctx, CreateFormRequest{Name: "Contact"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cm.Set(ctx, cache.FormKey(form.ID), form, 0)

	if err := svc.SetStatus(ctx, form.ID, "archived"); !errors.Is(err, common.ErrValidation) {
		t.Fatalf("bad status err = %v", err)
	}
	if err := svc.SetStatus(ctx, form.ID, constants.FormInactive); err != nil {
		t.Fatalf("set status: %v", err)
	}
	var cached map[string]any
	if cm.Get(ctx, cache.FormKey(form.ID), &cached) {
		t.Fatal("form still cached")
	}
	if err := svc.SetStatus(ctx, 404, constants.FormActive); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("missing form err = %v", err)
	}
}
