package outbox

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"testing"
	"time"

	"e2e_messenger/internal/model"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// mongoQueue connects to E2E_MONGO_URI, which must point at a replica set.
func mongoQueue(t *testing.T) *MongoQueue {
	t.Helper()
	uri := os.Getenv("E2E_MONGO_URI")
	if uri == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("mongo connect: %v", err)
	}
	db := client.Database(fmt.Sprintf("outbox_test_%d", time.Now().UnixNano()))
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	q := NewMongoQueue(db)
	if err := q.EnsureIndexes(ctx); err != nil {
		t.Fatalf("indexes: %v", err)
	}
	return q
}

func forEachQueue(t *testing.T, fn func(t *testing.T, q Queue)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryQueue()) })
	t.Run("mongo", func(t *testing.T) {
		q := mongoQueue(t)
		if q == nil {
			t.Skip("E2E_MONGO_URI not set")
		}
		fn(t, q)
	})
}

func entry(recipient model.UserId, id string, group *model.GroupId) model.SenderMessageEntry {
	cat := model.CategoryText
	if group != nil {
		cat = model.CategoryGroup
	}
	return model.SenderMessageEntry{
		Metadata: model.MessageMetadata{Recipient: recipient, GroupId: group, Category: cat, MessageId: id},
		Message:  []byte("body-" + id),
	}
}

func undeliveredIds(t *testing.T, q Queue) []string {
	t.Helper()
	all, err := q.GetUndelivered(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	out := make([]string, len(all))
	for i, e := range all {
		out[i] = fmt.Sprintf("%d/%s", e.Metadata.Recipient, e.Metadata.MessageId)
	}
	return out
}

func equal(a, b []string) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func TestInsertionOrder(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		for _, id := range []string{"A", "B"} {
			if err := q.Add(ctx, entry(7, id, nil)); err != nil {
				t.Fatal(err)
			}
		}
		if err := q.AddAll(ctx, []model.SenderMessageEntry{entry(8, "X", nil), entry(7, "C", nil)}); err != nil {
			t.Fatal(err)
		}
		if got := undeliveredIds(t, q); !equal(got, []string{"7/A", "7/B", "8/X", "7/C"}) {
			t.Fatalf("got %v", got)
		}
	})
}

func TestDuplicateIsRejectedAtomically(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Add(ctx, entry(7, "A", nil))
		if err := q.Add(ctx, entry(7, "A", nil)); !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		err := q.AddAll(ctx, []model.SenderMessageEntry{entry(7, "B", nil), entry(7, "A", nil)})
		if !errors.Is(err, ErrDuplicate) {
			t.Fatalf("expected ErrDuplicate, got %v", err)
		}
		if got := undeliveredIds(t, q); !equal(got, []string{"7/A"}) {
			t.Fatalf("partial batch written: %v", got)
		}
		// Same message id to a different recipient is a different key.
		if err := q.Add(ctx, entry(8, "A", nil)); err != nil {
			t.Fatal(err)
		}
	})
}

func TestGetAndRemove(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		_ = q.Add(ctx, entry(7, "A", nil))
		e, err := q.Get(ctx, 7, "A")
		if err != nil || e == nil || string(e.Message) != "body-A" {
			t.Fatalf("get: %+v %v", e, err)
		}
		if e, err := q.Get(ctx, 7, "missing"); err != nil || e != nil {
			t.Fatalf("missing entry: %+v %v", e, err)
		}
		if err := q.Remove(ctx, 7, "A"); err != nil {
			t.Fatal(err)
		}
		if err := q.Remove(ctx, 7, "A"); err != nil {
			t.Fatalf("second remove: %v", err)
		}
		if got := undeliveredIds(t, q); len(got) != 0 {
			t.Fatalf("left: %v", got)
		}
	})
}

func TestLargeRecipientIds(t *testing.T) {
	const big = model.UserId(math.MaxUint64)
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		if err := q.AddAll(ctx, []model.SenderMessageEntry{entry(big, "A", nil), entry(big-1, "B", nil)}); err != nil {
			t.Fatal(err)
		}
		e, err := q.Get(ctx, big, "A")
		if err != nil || e == nil || e.Metadata.Recipient != big {
			t.Fatalf("get: %+v %v", e, err)
		}
		if err := q.RemoveAllForConversation(ctx, model.UserConversation(big)); err != nil {
			t.Fatal(err)
		}
		if got := undeliveredIds(t, q); !equal(got, []string{fmt.Sprintf("%d/B", big-1)}) {
			t.Fatalf("left: %v", got)
		}
	})
}

func TestDocumentEncodesFullUserIdRange(t *testing.T) {
	e := entry(math.MaxUint64, "A", nil)
	raw, err := bson.Marshal(toDocument(e, 1))
	if err != nil {
		t.Fatal(err)
	}
	var d entryDocument
	if err := bson.Unmarshal(raw, &d); err != nil {
		t.Fatal(err)
	}
	if got := d.entry(); got.Metadata != e.Metadata || string(got.Message) != "body-A" {
		t.Fatalf("decoded %+v", got)
	}
}

func TestRemoveAllByConversation(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		ctx := context.Background()
		g := model.GroupId("team")
		_ = q.AddAll(ctx, []model.SenderMessageEntry{
			entry(7, "A", nil),
			entry(7, "G1", &g),
			entry(8, "G1", &g),
			entry(7, "B", nil),
			entry(9, "G2", &g),
		})

		if err := q.RemoveAll(ctx, model.GroupConversation(g), []string{"G1"}); err != nil {
			t.Fatal(err)
		}
		if got := undeliveredIds(t, q); !equal(got, []string{"7/A", "7/B", "9/G2"}) {
			t.Fatalf("after group removal: %v", got)
		}

		// A direct conversation never touches group entries of the same user.
		if err := q.RemoveAll(ctx, model.UserConversation(9), []string{"G2"}); err != nil {
			t.Fatal(err)
		}
		if err := q.RemoveAll(ctx, model.UserConversation(7), []string{"A"}); err != nil {
			t.Fatal(err)
		}
		if got := undeliveredIds(t, q); !equal(got, []string{"7/B", "9/G2"}) {
			t.Fatalf("after user removal: %v", got)
		}

		if err := q.RemoveAllForConversation(ctx, model.GroupConversation(g)); err != nil {
			t.Fatal(err)
		}
		if got := undeliveredIds(t, q); !equal(got, []string{"7/B"}) {
			t.Fatalf("after conversation removal: %v", got)
		}
	})
}

func TestRejectsInvalidMetadata(t *testing.T) {
	forEachQueue(t, func(t *testing.T, q Queue) {
		e := entry(7, "", nil)
		if err := q.Add(context.Background(), e); err == nil {
			t.Fatal("expected validation error")
		}
	})
}
