package keys

import (
	"context"
	"errors"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"

	"e2e_messenger/internal/model"
)

type memRepo struct {
	mu   sync.Mutex
	keys map[model.Address]model.PublishedKeys
}

func (r *memRepo) Publish(_ context.Context, addr model.Address, k model.PublishedKeys) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[addr] = k
	return nil
}

func (r *memRepo) FetchBundles(_ context.Context, user model.UserId, devices []model.DeviceId) ([]model.DeviceBundle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(devices) == 0 {
		for a := range r.keys {
			if a.User == user {
				devices = append(devices, a.Device)
			}
		}
		slices.Sort(devices)
	}
	var out []model.DeviceBundle
	for _, d := range devices {
		k, ok := r.keys[model.NewAddress(user, d)]
		if !ok {
			out = append(out, model.DeviceBundle{DeviceId: d})
			continue
		}
		var otk *model.OneTimeKey
		if len(k.OneTimeKeys) > 0 {
			otk = &k.OneTimeKeys[0]
			k.OneTimeKeys = k.OneTimeKeys[1:]
			r.keys[model.NewAddress(user, d)] = k
		}
		out = append(out, model.DeviceBundle{DeviceId: d, Bundle: k.Bundle(otk)})
	}
	return out, nil
}

type staticToken string

func (s staticToken) Token(context.Context) (string, error) { return string(s), nil }

func setup(t *testing.T, token string) (*Client, *memRepo) {
	t.Helper()
	repo := &memRepo{keys: make(map[model.Address]model.PublishedKeys)}
	auth := func(tok string) (model.UserId, bool) {
		return 5, tok == "secret"
	}
	srv := httptest.NewServer(NewRouter(repo, auth))
	t.Cleanup(srv.Close)
	c, err := NewClient(srv.URL, staticToken(token), srv.Client())
	if err != nil {
		t.Fatal(err)
	}
	return c, repo
}

func published(reg uint32, otks ...uint32) model.PublishedKeys {
	k := model.PublishedKeys{RegistrationId: reg, IdentityKey: []byte("ik"), SignedPreKey: []byte("spk")}
	for _, id := range otks {
		k.OneTimeKeys = append(k.OneTimeKeys, model.OneTimeKey{Id: id, Key: []byte{byte(id)}})
	}
	return k
}

func TestPublishAndFetch(t *testing.T) {
	ctx := context.Background()
	c, _ := setup(t, "secret")
	if err := c.Publish(ctx, model.NewAddress(5, 1), published(11, 100)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := c.Publish(ctx, model.NewAddress(5, 2), published(12)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	all, err := c.FetchBundles(ctx, 5, nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(all) != 2 || all[0].Bundle.RegistrationId != 11 || *all[0].Bundle.OneTimeKeyId != 100 {
		t.Fatalf("unexpected bundles %+v", all)
	}
	if all[1].Bundle.OneTimeKeyId != nil {
		t.Fatal("device 2 has no one-time keys")
	}

	again, err := c.FetchBundles(ctx, 5, []model.DeviceId{1, 9})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(again) != 2 || again[0].Bundle.OneTimeKeyId != nil || again[1].Bundle != nil {
		t.Fatalf("one-time key handed out twice or absent device not nil: %+v", again)
	}
}

func TestFetchUnknownUser(t *testing.T) {
	c, _ := setup(t, "secret")
	if _, err := c.FetchBundles(context.Background(), 42, nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAuthorization(t *testing.T) {
	ctx := context.Background()
	bad, _ := setup(t, "wrong")
	if _, err := bad.FetchBundles(ctx, 5, nil); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}

	c, repo := setup(t, "secret")
	if err := c.Publish(ctx, model.NewAddress(6, 1), published(1)); err == nil {
		t.Fatal("publishing for another user must fail")
	}
	if len(repo.keys) != 0 {
		t.Fatal("forbidden publish reached the repository")
	}
}

func TestPublishValidates(t *testing.T) {
	c, _ := setup(t, "secret")
	if err := c.Publish(context.Background(), model.NewAddress(5, 1), model.PublishedKeys{}); err == nil {
		t.Fatal("expected rejection of an empty key set")
	}
}
