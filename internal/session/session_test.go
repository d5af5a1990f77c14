package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestInitializer(t *testing.T) {
	t.Run("the zero value is not set", func(t *testing.T) {
		i := &Initializer{}
		if i.IsSet() {
			t.Fatal("expected not set")
		}
		if len(i.Payload()) != 0 {
			t.Fatal("expected empty payload")
		}
	})

	t.Run("an empty payload does not count as set", func(t *testing.T) {
		i := &Initializer{}
		i.Set([]byte{})
		if i.IsSet() {
			t.Fatal("expected not set")
		}
	})

	t.Run("the initializer owns a copy of the payload", func(t *testing.T) {
		i := &Initializer{}
		payload := []byte{1, 2, 3}
		i.Set(payload)
		payload[0] = 42
		if !i.IsSet() {
			t.Fatal("expected set")
		}
		if diff := cmp.Diff([]byte{1, 2, 3}, i.Payload()); diff != "" {
			t.Fatal(diff)
		}
	})
}

func TestServerInit_Marshal(t *testing.T) {
	t.Run("serializes geometry, pixel format and name", func(t *testing.T) {
		si := &ServerInit{
			Width:       1024,
			Height:      768,
			PixelFormat: DefaultPixelFormat,
			Name:        "lab-01",
		}
		got, err := si.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		want := []byte{
			0x04, 0x00, 0x03, 0x00,
			32, 24, 0, 1, 0, 255, 0, 255, 0, 255, 16, 8, 0, 0, 0, 0,
			0, 0, 0, 6,
			'l', 'a', 'b', '-', '0', '1',
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatal(diff)
		}
	})

	t.Run("the name length prefix covers long names", func(t *testing.T) {
		name := strings.Repeat("x", 300)
		si := &ServerInit{Width: 1, Height: 1, PixelFormat: DefaultPixelFormat, Name: name}
		got, err := si.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 4+PixelFormatSize+4+len(name) {
			t.Fatalf("unexpected length %d", len(got))
		}
		if diff := cmp.Diff([]byte{0, 0, 1, 44}, got[4+PixelFormatSize:8+PixelFormatSize]); diff != "" {
			t.Fatal(diff)
		}
		if string(got[8+PixelFormatSize:]) != name {
			t.Fatal("unexpected name")
		}
	})

	t.Run("empty geometry is rejected", func(t *testing.T) {
		si := &ServerInit{Width: 0, Height: 10}
		if _, err := si.Marshal(); !errors.Is(err, ErrInvalidServerInit) {
			t.Fatalf("got %v, want %v", err, ErrInvalidServerInit)
		}
	})
}

func TestStaticProvider(t *testing.T) {
	sp := &StaticProvider{Init: ServerInit{Width: 1, Height: 1, PixelFormat: DefaultPixelFormat}}

	t.Run("returns the marshalled server init", func(t *testing.T) {
		got, err := sp.ServerInit(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(got) != 4+PixelFormatSize+4 {
			t.Fatalf("unexpected length %d", len(got))
		}
	})

	t.Run("honours a canceled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if _, err := sp.ServerInit(ctx); !errors.Is(err, context.Canceled) {
			t.Fatalf("got %v", err)
		}
	})
}
