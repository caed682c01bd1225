package inbox

import (
	"context"
	"testing"
	"time"

	"e2e_messenger/internal/model"
	redisSvc "e2e_messenger/internal/service/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewRedisQueue(redisSvc.NewRedis(rdb), model.NewAddress(1, 1))
}

func pkg(user model.UserId, id string) model.Package {
	return model.Package{
		Id:         model.PackageId{Address: model.NewAddress(user, 1), MessageId: id},
		ReceivedAt: time.Unix(1700000000, 0).UTC(),
		Payload:    `{"v":0,"prekey":false,"payload":"AQ=="}`,
	}
}

func ids(pkgs []model.Package) []string {
	out := make([]string, len(pkgs))
	for i, p := range pkgs {
		out[i] = p.Id.String()
	}
	return out
}

func queues(t *testing.T) map[string]Queue {
	return map[string]Queue{
		"memory": NewMemoryQueue(),
		"redis":  newRedisQueue(t),
	}
}

func TestQueueKeepsEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			if err := q.Add(ctx, pkg(2, "a"), pkg(3, "b")); err != nil {
				t.Fatal(err)
			}
			if err := q.Add(ctx, pkg(2, "c")); err != nil {
				t.Fatal(err)
			}
			got, err := q.GetQueuedPackages(ctx)
			if err != nil {
				t.Fatal(err)
			}
			want := []string{"2:1/a", "3:1/b", "2:1/c"}
			if len(got) != 3 {
				t.Fatalf("got %v want %v", ids(got), want)
			}
			for i := range want {
				if ids(got)[i] != want[i] {
					t.Fatalf("got %v want %v", ids(got), want)
				}
			}
			if !got[0].ReceivedAt.Equal(pkg(2, "a").ReceivedAt) || got[0].Payload != pkg(2, "a").Payload {
				t.Fatalf("package fields not preserved: %+v", got[0])
			}
		})
	}
}

func TestQueueIgnoresDuplicates(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			first := pkg(2, "a")
			if err := q.Add(ctx, first, pkg(2, "b")); err != nil {
				t.Fatal(err)
			}
			dup := first
			dup.Payload = "changed"
			if err := q.Add(ctx, dup); err != nil {
				t.Fatal(err)
			}
			got, _ := q.GetQueuedPackages(ctx)
			if len(got) != 2 || got[0].Id != first.Id || got[0].Payload != first.Payload {
				t.Fatalf("duplicate changed the queue: %v", ids(got))
			}
		})
	}
}

func TestQueueRemove(t *testing.T) {
	ctx := context.Background()
	for name, q := range queues(t) {
		t.Run(name, func(t *testing.T) {
			a, b, c := pkg(2, "a"), pkg(2, "b"), pkg(4, "c")
			_ = q.Add(ctx, a, b, c)
			if err := q.Remove(ctx, b.Id, a.Id); err != nil {
				t.Fatal(err)
			}
			// Removing something unknown is not an error.
			if err := q.Remove(ctx, b.Id); err != nil {
				t.Fatal(err)
			}
			got, _ := q.GetQueuedPackages(ctx)
			if len(got) != 1 || got[0].Id != c.Id {
				t.Fatalf("got %v", ids(got))
			}
		})
	}
}

func TestRedisQueueSurvivesNewInstance(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	owner := model.NewAddress(9, 2)

	q1 := NewRedisQueue(redisSvc.NewRedis(rdb), owner)
	_ = q1.Add(ctx, pkg(2, "a"), pkg(2, "b"))

	q2 := NewRedisQueue(redisSvc.NewRedis(rdb), owner)
	got, err := q2.GetQueuedPackages(ctx)
	if err != nil || len(got) != 2 {
		t.Fatalf("restart lost packages: %v %v", ids(got), err)
	}
	other := NewRedisQueue(redisSvc.NewRedis(rdb), model.NewAddress(9, 3))
	if got, _ := other.GetQueuedPackages(ctx); len(got) != 0 {
		t.Fatalf("queues of different devices share keys: %v", ids(got))
	}
}
