package codec

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestReadRequestValid(t *testing.T) {
	raw := "request=smtpd_access_policy\n" +
		"client_address=192.0.2.44\n" +
		"client_name=mail.example.com\n" +
		"sender=alice@example.com\n" +
		"recipient=bob@ours.test\n" +
		"helo_name=mail.example.com\n" +
		"\n"

	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}

	if !req.Valid() {
		t.Fatalf("expected request to be valid: %+v", req)
	}
	if req.ClientAddress() != "192.0.2.44" {
		t.Errorf("ClientAddress() = %q", req.ClientAddress())
	}
	if req["helo_name"] != "mail.example.com" {
		t.Errorf("unrecognized attribute was dropped")
	}
}

func TestReadRequestInvalidMissingAttribute(t *testing.T) {
	raw := "request=smtpd_access_policy\n" +
		"client_address=192.0.2.44\n" +
		"sender=alice@example.com\n" +
		"recipient=bob@ours.test\n" +
		"\n"

	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	if req.Valid() {
		t.Fatal("expected request missing client_name to be invalid")
	}
}

func TestReadRequestInvalidRequestType(t *testing.T) {
	raw := "request=something_else\n" +
		"client_address=192.0.2.44\n" +
		"client_name=x\n" +
		"sender=a@b.com\n" +
		"recipient=c@d.com\n\n"

	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	if req.Valid() {
		t.Fatal("expected request with wrong request= value to be invalid")
	}
}

func TestReadRequestValueWithEmbeddedEquals(t *testing.T) {
	raw := "request=smtpd_access_policy\n" +
		"client_address=192.0.2.44\n" +
		"client_name=x\n" +
		"sender=a=b@example.com\n" +
		"recipient=c@d.com\n\n"

	req, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("ReadRequest() error = %v", err)
	}
	if req.Sender() != "a=b@example.com" {
		t.Errorf("Sender() = %q, want 'a=b@example.com' (split on first = only)", req.Sender())
	}
}

func TestReadRequestMalformedLine(t *testing.T) {
	raw := "request=smtpd_access_policy\nnotakeyvaluepair\n\n"

	_, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != ErrMalformedLine {
		t.Errorf("ReadRequest() error = %v, want ErrMalformedLine", err)
	}
}

func TestReadRequestEOFWithoutTerminator(t *testing.T) {
	raw := "request=smtpd_access_policy\nclient_address=1.2.3.4"

	_, err := ReadRequest(bufio.NewReader(strings.NewReader(raw)))
	if err != ErrMalformedLine {
		t.Errorf("ReadRequest() error = %v, want ErrMalformedLine", err)
	}
}

func TestReadRequestImmediateEOF(t *testing.T) {
	_, err := ReadRequest(bufio.NewReader(strings.NewReader("")))
	if err != io.EOF {
		t.Errorf("ReadRequest() error = %v, want io.EOF", err)
	}
}

func TestResponseString(t *testing.T) {
	tests := []struct {
		resp Response
		want string
	}{
		{Dunno(), "action=DUNNO\n\n"},
		{Response{Verb: VerbPrepend, Arg: "X-Greylist: delayed 70 seconds"}, "action=PREPEND X-Greylist: delayed 70 seconds\n\n"},
		{Response{Verb: "DEFER_IF_PERMIT", Arg: "Greylisted, please retry in 60 seconds"}, "action=DEFER_IF_PERMIT Greylisted, please retry in 60 seconds\n\n"},
	}

	for _, tt := range tests {
		if got := tt.resp.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
