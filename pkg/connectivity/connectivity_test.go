package connectivity

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestFlag(t *testing.T) {
	f := NewFlag(false)
	if f.Online() {
		t.Fatal("Flag should start offline")
	}
	if was := f.Set(true); was {
		t.Fatal("Previous state should be offline")
	}
	if !f.Online() {
		t.Fatal("Flag should be online")
	}
}

func TestProbeAgainstListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	p := NewProbe(ln.Addr().String(), time.Second)
	if !p.Check(context.Background()) || !p.Online() {
		t.Fatal("Probe should be online while listener is up")
	}

	ln.Close()
	if p.Check(context.Background()) || p.Online() {
		t.Fatal("Probe should be offline after listener is closed")
	}
}

func TestProbeDialError(t *testing.T) {
	p := NewProbe("example.invalid:80", time.Second)
	p.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("network is unreachable")
	}
	if p.Check(context.Background()) {
		t.Fatal("Probe should report offline")
	}
}

func TestProbeRunStopsWithContext(t *testing.T) {
	p := NewProbe("example.invalid:80", 10*time.Millisecond)
	p.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return nil, errors.New("down")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context was done")
	}
	if p.Online() {
		t.Fatal("Probe should be offline")
	}
}

func TestProbeForcedStateSurvivesCheck(t *testing.T) {
	p := NewProbe("127.0.0.1:80", time.Second)
	p.dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		client, server := net.Pipe()
		server.Close()
		return client, nil
	}

	p.Set(false)
	if !p.Check(context.Background()) {
		t.Fatal("Address should be reachable")
	}
	if p.Online() {
		t.Fatal("Forced offline state was overwritten by check")
	}

	p.Auto()
	if p.Forced() {
		t.Fatal("Probe should not be forced after Auto")
	}
	p.Check(context.Background())
	if !p.Online() {
		t.Fatal("Probe should record the check again after Auto")
	}
}
