package acquisition

import (
	"errors"
	"reflect"
	"testing"

	"github.com/norasector/carp/pkg/digitiser"
)

func TestCommandImmutable(t *testing.T) {
	dev := digitiser.Params{"dig_name": "debug"}
	rec := digitiser.Params{"record_length": 10}
	cmd := Connect(dev, rec)

	// later edits by the caller must not reach the command
	dev["dig_name"] = "other"
	args := cmd.Args()
	args[0] = nil

	gotDev, gotRec, err := cmd.ConnectArgs()
	if err != nil {
		t.Fatalf("ConnectArgs() err = %v", err)
	}
	if !reflect.DeepEqual(gotDev, digitiser.Params{"dig_name": "debug"}) {
		t.Errorf("device params = %v", gotDev)
	}
	if !reflect.DeepEqual(gotRec, rec) {
		t.Errorf("recording params = %v", gotRec)
	}
}

func TestConnectArgsErrors(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
	}{
		{"not connect", Start()},
		{"no args", NewCommand(KindConnect)},
		{"wrong types", NewCommand(KindConnect, "dig.ini", "rec.ini")},
		{"nil params", Connect(nil, digitiser.Params{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := tt.cmd.ConnectArgs(); !errors.Is(err, ErrInvalidArgs) {
				t.Errorf("ConnectArgs() err = %v, want ErrInvalidArgs", err)
			}
		})
	}
}

func TestKindNames(t *testing.T) {
	for _, k := range []Kind{KindConnect, KindStart, KindStop, KindExit} {
		got, err := ParseKind(k.String())
		if err != nil || got != k {
			t.Errorf("ParseKind(%q) = %v, %v", k.String(), got, err)
		}
	}
	if _, err := ParseKind("pause"); !errors.Is(err, ErrUnknownCommand) {
		t.Errorf("ParseKind(pause) err = %v, want ErrUnknownCommand", err)
	}
	if got := Kind(42).String(); got != "kind(42)" {
		t.Errorf("String() = %q", got)
	}
}

func TestDisplayQueueDropsOldest(t *testing.T) {
	const capacity = 5
	q := NewDisplayQueue(capacity)

	dropped := 0
	for i := 1; i <= 12; i++ {
		dropped += q.Publish(&digitiser.Record{Timestamp: uint64(i)})
		want := i
		if want > capacity {
			want = capacity
		}
		if q.Len() != want {
			t.Fatalf("after %d publishes Len() = %d, want %d", i, q.Len(), want)
		}
	}
	if dropped != 7 {
		t.Errorf("dropped %d, want 7", dropped)
	}

	var got []uint64
	for {
		rec, ok := q.TryNext()
		if !ok {
			break
		}
		got = append(got, rec.Timestamp)
	}
	if want := []uint64{8, 9, 10, 11, 12}; !reflect.DeepEqual(got, want) {
		t.Errorf("queue holds %v, want %v", got, want)
	}
}

func TestDisplayQueueDefaults(t *testing.T) {
	q := NewDisplayQueue(0)
	if q.Cap() != DefaultDisplayBuffer {
		t.Errorf("Cap() = %d, want %d", q.Cap(), DefaultDisplayBuffer)
	}
	if _, ok := q.TryNext(); ok {
		t.Errorf("empty queue returned a record")
	}
}
