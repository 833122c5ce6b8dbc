package device_test

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/callscribe/pkg/audio/device"
	"github.com/MrWong99/callscribe/pkg/audio/device/mock"
	"github.com/MrWong99/callscribe/pkg/types"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		info     device.Info
		wantRole types.ChannelRole
		wantKind device.Kind
		loopback bool
	}{
		{
			name:     "microphone input",
			info:     device.Info{Name: "Microphone (Realtek Audio)", Direction: device.DirectionInput},
			wantRole: types.RolePrimary, wantKind: device.KindMicrophone,
		},
		{
			name:     "stereo mix is loopback",
			info:     device.Info{Name: "Stereo Mix (Realtek Audio)", Direction: device.DirectionInput},
			wantRole: types.RoleCounterpart, wantKind: device.KindLoopback, loopback: true,
		},
		{
			name:     "pulse monitor source is loopback",
			info:     device.Info{Name: "Monitor of Built-in Audio Analog Stereo", Direction: device.DirectionInput},
			wantRole: types.RoleCounterpart, wantKind: device.KindLoopback, loopback: true,
		},
		{
			name:     "what u hear",
			info:     device.Info{Name: "What U Hear (Sound Blaster)", Direction: device.DirectionInput},
			wantRole: types.RoleCounterpart, wantKind: device.KindLoopback, loopback: true,
		},
		{
			name:     "speakers with loopback capability",
			info:     device.Info{Name: "Speakers (USB DAC)", Direction: device.DirectionOutput, SupportsLoopback: true},
			wantRole: types.RoleCounterpart, wantKind: device.KindSystemOutput, loopback: true,
		},
		{
			name:     "headphones without loopback",
			info:     device.Info{Name: "Headphones", Direction: device.DirectionOutput},
			wantRole: types.RoleUnassigned, wantKind: device.KindSystemOutput,
		},
		{
			name:     "unknown input is unassigned",
			info:     device.Info{Name: "Line In", Direction: device.DirectionInput},
			wantRole: types.RoleUnassigned, wantKind: device.KindUnknown,
		},
		{
			name:     "mic only matches as a word",
			info:     device.Info{Name: "Microsoft Sound Mapper - Input", Direction: device.DirectionInput},
			wantRole: types.RoleUnassigned, wantKind: device.KindUnknown,
		},
		{
			name:     "headset mic",
			info:     device.Info{Name: "Headset Mic (USB-C)", Direction: device.DirectionInput},
			wantRole: types.RolePrimary, wantKind: device.KindMicrophone,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := device.Classify(tt.info)
			if got.Role != tt.wantRole {
				t.Errorf("Role = %q, want %q", got.Role, tt.wantRole)
			}
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.SupportsLoopback != tt.loopback {
				t.Errorf("SupportsLoopback = %v, want %v", got.SupportsLoopback, tt.loopback)
			}
		})
	}
}

func fullBackend() *mock.Backend {
	return &mock.Backend{DevicesResult: []device.Info{
		{ID: "mic-usb", Name: "USB Microphone", Direction: device.DirectionInput},
		{ID: "mic-default", Name: "Built-in Mic", Direction: device.DirectionInput, IsDefault: true},
		{ID: "spk", Name: "Speakers", Direction: device.DirectionOutput, IsDefault: true, SupportsLoopback: true},
		{ID: "mix", Name: "Stereo Mix", Direction: device.DirectionInput},
	}}
}

func TestEnumerator_SelectDefaults(t *testing.T) {
	t.Parallel()
	e := device.NewEnumerator(fullBackend())
	ctx := context.Background()

	primary, err := e.Select(ctx, types.RolePrimary, "")
	if err != nil {
		t.Fatalf("Select primary: %v", err)
	}
	if primary.ID != "mic-default" {
		t.Errorf("primary = %q, want mic-default", primary.ID)
	}

	counterpart, err := e.Select(ctx, types.RoleCounterpart, "")
	if err != nil {
		t.Fatalf("Select counterpart: %v", err)
	}
	if counterpart.ID != "mix" {
		t.Errorf("counterpart = %q, want dedicated loopback device mix", counterpart.ID)
	}
}

func TestEnumerator_SelectPrimaryFallsBackToDefaultInput(t *testing.T) {
	t.Parallel()
	e := device.NewEnumerator(&mock.Backend{DevicesResult: []device.Info{
		{ID: "line", Name: "Line In", Direction: device.DirectionInput},
		{ID: "usb", Name: "USB Audio CODEC", Direction: device.DirectionInput, IsDefault: true},
		{ID: "mix", Name: "Stereo Mix", Direction: device.DirectionInput},
	}})
	d, err := e.Select(context.Background(), types.RolePrimary, "")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.ID != "usb" || d.Role != types.RoleUnassigned {
		t.Errorf("primary = %q (%s), want the unnamed default input", d.ID, d.Role)
	}

	e = device.NewEnumerator(&mock.Backend{DevicesResult: []device.Info{
		{ID: "line", Name: "Line In", Direction: device.DirectionInput},
	}})
	if _, err := e.Select(context.Background(), types.RolePrimary, ""); !errors.Is(err, device.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound without a microphone or default input", err)
	}
}

func TestEnumerator_SelectByID(t *testing.T) {
	t.Parallel()
	e := device.NewEnumerator(fullBackend())
	ctx := context.Background()

	d, err := e.Select(ctx, types.RoleCounterpart, "spk")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Kind != device.KindSystemOutput {
		t.Errorf("Kind = %q, want system_output", d.Kind)
	}

	_, err = e.Select(ctx, types.RolePrimary, "nope")
	if !errors.Is(err, device.ErrNotFound) {
		t.Errorf("unknown id: got %v, want ErrNotFound", err)
	}
	var de *device.DeviceError
	if !errors.As(err, &de) || de.ID != "nope" {
		t.Errorf("expected *DeviceError with ID nope, got %#v", err)
	}

	_, err = e.Select(ctx, types.RoleCounterpart, "mic-usb")
	if !errors.Is(err, device.ErrNoCompatibleDevice) {
		t.Errorf("mic as counterpart: got %v, want ErrNoCompatibleDevice", err)
	}
}

func TestEnumerator_NoLoopback(t *testing.T) {
	t.Parallel()
	b := &mock.Backend{DevicesResult: []device.Info{
		{ID: "mic", Name: "Microphone", Direction: device.DirectionInput, IsDefault: true},
		{ID: "hp", Name: "Headphones", Direction: device.DirectionOutput, IsDefault: true},
	}}
	e := device.NewEnumerator(b)

	_, err := e.Select(context.Background(), types.RoleCounterpart, "")
	if !errors.Is(err, device.ErrNoCompatibleDevice) {
		t.Fatalf("got %v, want ErrNoCompatibleDevice", err)
	}
	if _, err := e.Select(context.Background(), types.RolePrimary, ""); err != nil {
		t.Errorf("primary should still be selectable: %v", err)
	}
}

func TestEnumerator_ListIsRestartable(t *testing.T) {
	t.Parallel()
	b := &mock.Backend{DevicesResult: []device.Info{{ID: "a", Name: "Mic", Direction: device.DirectionInput}}}
	e := device.NewEnumerator(b)

	first, err := e.List(context.Background())
	if err != nil || len(first) != 1 {
		t.Fatalf("List = %v, %v", first, err)
	}

	b.DevicesResult = append(b.DevicesResult, device.Info{ID: "b", Name: "Stereo Mix", Direction: device.DirectionInput})
	second, err := e.List(context.Background())
	if err != nil || len(second) != 2 {
		t.Fatalf("second List = %v, %v", second, err)
	}
	if len(first) != 1 {
		t.Error("earlier snapshot must not change")
	}
}

func TestEnumerator_Errors(t *testing.T) {
	t.Parallel()
	e := device.NewEnumerator(&mock.Backend{DevicesError: errors.New("boom")})
	if _, err := e.List(context.Background()); err == nil {
		t.Error("expected List error")
	}

	empty := device.NewEnumerator(&mock.Backend{})
	_, err := empty.Select(context.Background(), types.RolePrimary, "")
	if !errors.Is(err, device.ErrNoDevices) {
		t.Errorf("got %v, want ErrNoDevices", err)
	}
}
