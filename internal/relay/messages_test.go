package relay

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Inbound
		wantErr bool
	}{
		{
			name: "connect with numeric port",
			raw:  `{"type":"connect","hostname":"h","port":2222,"username":"u","password":"p"}`,
			want: Inbound{Type: TypeConnect, Hostname: "h", Port: 2222, Username: "u", Password: "p"},
		},
		{
			name: "connect with string port",
			raw:  `{"type":"connect","hostname":"h","port":"2200","username":"u"}`,
			want: Inbound{Type: TypeConnect, Hostname: "h", Port: 2200, Username: "u"},
		},
		{
			name: "connect without port",
			raw:  `{"type":"connect","hostname":"h","username":"u","key_path":"/k"}`,
			want: Inbound{Type: TypeConnect, Hostname: "h", Username: "u", KeyPath: "/k"},
		},
		{
			name: "resize",
			raw:  `{"type":"resize","cols":120,"rows":40}`,
			want: Inbound{Type: TypeResize, Cols: 120, Rows: 40},
		},
		{
			name: "unknown fields ignored",
			raw:  `{"type":"input","data":"ls\r","extra":true}`,
			want: Inbound{Type: TypeInput, Data: "ls\r"},
		},
		{name: "not json", raw: `{"type":`, wantErr: true},
		{name: "missing type", raw: `{"data":"x"}`, wantErr: true},
		{name: "bad port", raw: `{"type":"connect","port":"ssh"}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInbound([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOutboundWireFormat(t *testing.T) {
	b, err := json.Marshal(outputMsg("w1", []byte("hi\x00\xff")))
	if err != nil {
		t.Fatal(err)
	}
	if got := string(b); got != `{"type":"ssh_output","data":"aGkA/w==","tabId":"w1"}` {
		t.Errorf("ssh_output = %s", got)
	}

	b, _ = json.Marshal(processEndedMsg(0))
	if !strings.Contains(string(b), `"code":0`) {
		t.Errorf("process_ended drops a zero exit code: %s", b)
	}

	b, _ = json.Marshal(statusMsg("ok"))
	if got := string(b); got != `{"type":"status","message":"ok"}` {
		t.Errorf("status = %s", got)
	}
}
