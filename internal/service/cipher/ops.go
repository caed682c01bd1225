package cipher

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"e2e_messenger/internal/model"
	"e2e_messenger/internal/service/keys"
	"e2e_messenger/internal/session"

	"go.uber.org/zap"
)

func (w *Worker) encrypt(ctx context.Context, recipient model.UserId, plaintext []byte, tag uint64) (EncryptionResult, error) {
	devices := w.store.SubDeviceSessions(recipient)
	// With sessions in place the relay reports any difference to the
	// registered devices, so bundles are only fetched for a new contact.
	if len(devices) == 0 {
		var err error
		if devices, err = w.addBundles(ctx, recipient, nil); err != nil {
			return EncryptionResult{}, err
		}
		if len(devices) == 0 {
			return EncryptionResult{}, fmt.Errorf("%w %s", ErrNoKeyData, recipient)
		}
	}

	messages := make([]model.MessageData, 0, len(devices))
	for _, d := range devices {
		addr := model.NewAddress(recipient, d)
		c, err := w.store.Encrypt(ctx, addr, plaintext)
		if err != nil {
			return EncryptionResult{}, fmt.Errorf("cipher: encrypt for %s: %w", addr, err)
		}
		messages = append(messages, model.MessageData{
			DeviceId:       d,
			RegistrationId: c.RegistrationId,
			Payload:        model.NewPayload(c.PreKey, c.Body),
		})
	}
	return EncryptionResult{Messages: messages, ConnectionTag: tag}, nil
}

func (w *Worker) decrypt(ctx context.Context, addr model.Address, messageId string, p model.EncryptedPackagePayload) ([]byte, error) {
	if p.Version != model.PayloadVersion0 {
		return nil, &DecryptionError{MessageId: messageId, Address: addr, Err: model.ErrUnsupportedPayloadVersion}
	}

	var (
		plain []byte
		err   error
	)
	if p.PreKey {
		plain, err = w.store.DecryptPreKey(ctx, addr, p.Ciphertext)
	} else {
		plain, err = w.store.Decrypt(ctx, addr, p.Ciphertext)
	}
	if err != nil {
		if session.IsCryptoError(err) {
			return nil, &DecryptionError{MessageId: messageId, Address: addr, Err: err}
		}
		return nil, err
	}
	return plain, nil
}

func (w *Worker) updateDevices(ctx context.Context, user model.UserId, m model.DeviceMismatch) error {
	for _, d := range union(m.Removed, m.Stale) {
		addr := model.NewAddress(user, d)
		if err := w.store.DeleteSession(ctx, addr); err != nil {
			return fmt.Errorf("cipher: delete session %s: %w", addr, err)
		}
	}

	add := union(m.Missing, m.Stale)
	if len(add) == 0 {
		return nil
	}
	_, err := w.addBundles(ctx, user, add)
	return err
}

// addBundles fetches bundles for devices (all registered devices when
// empty) and establishes a session for each one the server has keys for.
func (w *Worker) addBundles(ctx context.Context, user model.UserId, devices []model.DeviceId) ([]model.DeviceId, error) {
	fctx, cancel := context.WithTimeout(ctx, w.opts.FetchTimeout)
	defer cancel()

	bundles, err := w.keys.FetchBundles(fctx, user, devices)
	if errors.Is(err, keys.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrNoKeyData, user)
	}
	if err != nil {
		return nil, fmt.Errorf("cipher: fetch bundles for %s: %w", user, err)
	}
	if len(bundles) == 0 {
		return nil, fmt.Errorf("%w %s", ErrNoKeyData, user)
	}

	added := make([]model.DeviceId, 0, len(bundles))
	for _, b := range bundles {
		addr := model.NewAddress(user, b.DeviceId)
		if b.Bundle == nil {
			w.log.Warn("no key data for device", zap.Stringer("address", addr))
			continue
		}
		if err := w.store.ProcessBundle(ctx, addr, b.Bundle); err != nil {
			return nil, fmt.Errorf("cipher: process bundle for %s: %w", addr, err)
		}
		added = append(added, b.DeviceId)
	}
	w.log.Debug("sessions established", zap.Stringer("user", user), zap.Int("devices", len(added)))
	return added, nil
}

func union(a, b []model.DeviceId) []model.DeviceId {
	out := slices.Concat(a, b)
	slices.Sort(out)
	return slices.Compact(out)
}
