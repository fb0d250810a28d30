package call

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/voxline/pkg/telephony"
	telmock "github.com/MrWong99/voxline/pkg/telephony/mock"
)

func TestGate_AdmitsOnlyOpenGeneration(t *testing.T) {
	t.Parallel()
	leg := telmock.NewLeg(telephony.CallInfo{})
	g := newGate(leg)
	ctx := context.Background()

	if err := g.write(ctx, 1, []byte("a")); !errors.Is(err, errGateClosed) {
		t.Fatalf("write on fresh gate = %v, want errGateClosed", err)
	}

	g.openFor(1)
	if err := g.write(ctx, 1, []byte("b")); err != nil {
		t.Fatalf("write gen 1: %v", err)
	}
	if err := g.write(ctx, 2, []byte("c")); !errors.Is(err, errGateClosed) {
		t.Errorf("write gen 2 = %v, want errGateClosed", err)
	}

	g.close()
	if err := g.write(ctx, 1, []byte("d")); !errors.Is(err, errGateClosed) {
		t.Errorf("write after close = %v, want errGateClosed", err)
	}

	frames := leg.Frames()
	if len(frames) != 1 || string(frames[0].Data) != "b" {
		t.Errorf("frames = %+v, want only %q", frames, "b")
	}
}

func TestGate_PropagatesSendError(t *testing.T) {
	t.Parallel()
	leg := telmock.NewLeg(telephony.CallInfo{})
	leg.SendErr = telephony.ErrLegClosed
	g := newGate(leg)
	g.openFor(3)
	if err := g.write(context.Background(), 3, []byte("x")); !errors.Is(err, telephony.ErrLegClosed) {
		t.Errorf("write = %v, want ErrLegClosed", err)
	}
}
