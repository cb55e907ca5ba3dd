package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/mspsync/errors"
)

func autotask() Descriptor {
	return Descriptor{
		ID:   "autotask",
		Slug: "autotask",
		Name: "Autotask PSA",
		SupportedTypes: []TypeConfig{
			{Type: "companies", IsGlobal: true, Priority: 5, RateMinutes: 60},
			{Type: "contacts", IsGlobal: true, Priority: 3, RateMinutes: 120},
			{Type: "sites", IsGlobal: false, Priority: 1, RateMinutes: 30},
		},
	}
}

func TestRegistry_Lookup(t *testing.T) {
	r, err := NewRegistry(autotask())
	require.NoError(t, err)

	d, err := r.Get("autotask")
	require.NoError(t, err)
	assert.Equal(t, "autotask", d.Slug)
	assert.Len(t, d.GlobalTypes(), 2)

	tc, err := r.TypeConfig("autotask", "contacts")
	require.NoError(t, err)
	assert.Equal(t, 3, tc.Priority)
	assert.Equal(t, 2*time.Hour, tc.Rate())

	_, err = r.Get("halopsa")
	assert.True(t, errors.Is(err, errors.ErrUnknownIntegration))

	_, err = r.TypeConfig("autotask", "tickets")
	assert.True(t, errors.Is(err, errors.ErrUnknownEntityType))
}

func TestRegistry_ReplaceIsAtomic(t *testing.T) {
	r, err := NewRegistry(autotask())
	require.NoError(t, err)

	bad := autotask()
	bad.SupportedTypes[0].RateMinutes = 0
	require.Error(t, r.Replace([]Descriptor{bad}))

	// failed replace keeps the previous set
	tc, err := r.TypeConfig("autotask", "companies")
	require.NoError(t, err)
	assert.Equal(t, 60, tc.RateMinutes)

	require.NoError(t, r.Replace([]Descriptor{{ID: "ninja", Slug: "ninjaone", SupportedTypes: []TypeConfig{{Type: "devices", IsGlobal: true, RateMinutes: 15}}}}))
	_, err = r.Get("autotask")
	assert.Error(t, err)
	assert.Len(t, r.All(), 1)
}

func TestDescriptor_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(d *Descriptor)
		wantErr bool
	}{
		{name: "valid", mutate: func(d *Descriptor) {}},
		{name: "missing id", mutate: func(d *Descriptor) { d.ID = "" }, wantErr: true},
		{name: "dotted slug", mutate: func(d *Descriptor) { d.Slug = "auto.task" }, wantErr: true},
		{name: "wildcard type", mutate: func(d *Descriptor) { d.SupportedTypes[0].Type = "*" }, wantErr: true},
		{name: "duplicate type", mutate: func(d *Descriptor) { d.SupportedTypes[1].Type = "companies" }, wantErr: true},
		{name: "negative dispatch cap", mutate: func(d *Descriptor) { d.SupportedTypes[0].MaxDispatchPerMinute = -1 }, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := autotask()
			tt.mutate(&d)
			err := d.Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	_, err := NewRegistry(autotask(), autotask())
	assert.Error(t, err)

	other := autotask()
	other.ID = "autotask-eu"
	_, err = NewRegistry(autotask(), other)
	assert.Error(t, err, "slugs must be unique")
}
