package optional

import "testing"

func TestValue(t *testing.T) {
	t.Run("None is empty and Unwrap panics", func(t *testing.T) {
		v := None[int]()
		if !v.IsNone() {
			t.Fatal("expected none")
		}
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Error("expected Unwrap to panic")
				}
			}()
			v.Unwrap()
		}()
		if got := v.UnwrapOr(7); got != 7 {
			t.Errorf("UnwrapOr: got %d, want 7", got)
		}
	})

	t.Run("Some holds the value", func(t *testing.T) {
		v := Some("alice")
		if v.IsNone() {
			t.Fatal("expected some")
		}
		if got := v.Unwrap(); got != "alice" {
			t.Errorf("Unwrap: got %q", got)
		}
	})

	t.Run("Some of a nil pointer is None", func(t *testing.T) {
		var p *int
		if !Some(p).IsNone() {
			t.Error("expected none for a nil pointer")
		}
	})
}

func TestValue_MarshalJSON(t *testing.T) {
	tests := []struct {
		name string
		v    Value[int]
		want string
	}{
		{"none", None[int](), "null"},
		{"some", Some(42), "42"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.v.MarshalJSON()
			if err != nil {
				t.Fatal(err)
			}
			if string(got) != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}
