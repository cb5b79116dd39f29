package v1

import (
	"testing"
	"time"
)

func TestEnvelopeValidate(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()

	cases := []struct {
		name    string
		env     Envelope
		wantErr bool
	}{
		{name: "valid message_new", env: Envelope{V: Version, Type: TypeMessageNew, ID: "e1", TS: now}},
		{name: "valid typing", env: Envelope{V: Version, Type: TypeTyping}},
		{name: "valid error", env: Envelope{V: Version, Type: TypeError}},
		{name: "missing v", env: Envelope{Type: TypeMessageNew}, wantErr: true},
		{name: "wrong version", env: Envelope{V: "v2", Type: TypeMessageNew}, wantErr: true},
		{name: "missing type", env: Envelope{V: Version}, wantErr: true},
		{name: "unknown type", env: Envelope{V: Version, Type: "message_edit"}, wantErr: true},
	}

	for _, tc := range cases {
		err := tc.env.Validate()
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: Validate()=%v wantErr=%v", tc.name, err, tc.wantErr)
		}
	}
}
