package sshterminal

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/scottpeterman/velociterm/internal/sshtest"
)

func TestParseAllowedTargets(t *testing.T) {
	tests := []struct {
		name    string
		entries []string
		want    []string
		wantErr bool
	}{
		{name: "empty", entries: nil, want: nil},
		{name: "blank entries skipped", entries: []string{" ", ""}, want: nil},
		{name: "single ipv4", entries: []string{"10.1.2.3"}, want: []string{"10.1.2.3/32"}},
		{name: "single ipv6", entries: []string{"::1"}, want: []string{"::1/128"}},
		{name: "cidr normalized", entries: []string{" 192.168.7.9/24 "}, want: []string{"192.168.7.0/24"}},
		{name: "bad cidr", entries: []string{"10.0.0.0/33"}, wantErr: true},
		{name: "hostname rejected", entries: []string{"router1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseAllowedTargets(tt.entries)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i].String() != tt.want[i] {
					t.Errorf("network %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestResolveAllowedLiteral(t *testing.T) {
	allowed, _ := ParseAllowedTargets([]string{"10.0.0.0/8"})
	ip, err := resolveAllowed(context.Background(), net.DefaultResolver, "10.4.5.6", allowed)
	if err != nil || !ip.Equal(net.ParseIP("10.4.5.6")) {
		t.Fatalf("got %v, %v", ip, err)
	}
	if _, err := resolveAllowed(context.Background(), net.DefaultResolver, "192.0.2.1", allowed); !errors.Is(err, ErrTargetNotAllowed) {
		t.Fatalf("got %v, want ErrTargetNotAllowed", err)
	}
}

func TestConnectRestrictedTarget(t *testing.T) {
	srv := sshtest.NewServer(t, sshtest.Options{Users: aliceOnly})
	target := Target{Host: srv.Host, Port: srv.Port, Username: "alice"}
	creds := Credentials{Password: "secret"}

	tests := []struct {
		name    string
		allowed []string
		wantErr error
	}{
		{name: "outside the list", allowed: []string{"10.0.0.0/8"}, wantErr: ErrTargetNotAllowed},
		{name: "inside the list", allowed: []string{"127.0.0.0/8"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			networks, err := ParseAllowedTargets(tt.allowed)
			if err != nil {
				t.Fatal(err)
			}
			d := NewDriver(DriverConfig{ConnectTimeout: 5 * time.Second, KeepaliveInterval: -1, AllowedTargets: networks})
			s := NewSession()
			defer s.Close()

			err = d.Connect(context.Background(), s, target, creds)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Connect: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("got %v, want %v", err, tt.wantErr)
			}
			if srv.Conns() != 0 {
				t.Error("restricted target was dialed")
			}
		})
	}
}
