// Package codec frames Postfix access-policy requests from a line
// stream and serializes the single-line response (§4.3 of the design
// doc, the upstream SMTPD access-policy delegation protocol).
package codec

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// ErrMalformedLine is returned when a line is neither blank nor a
// key=value pair.
var ErrMalformedLine = errors.New("codec: malformed request line")

// Request is an unordered mapping of attribute names to values, as read
// off the wire. Only a handful of attributes are semantically
// significant to the policy engine; any other attribute is kept but
// ignored.
type Request map[string]string

const expectedRequestType = "smtpd_access_policy"

// Valid reports whether req has the expected request type and all four
// significant attributes present and non-empty.
func (r Request) Valid() bool {
	if r["request"] != expectedRequestType {
		return false
	}
	for _, k := range []string{"client_address", "client_name", "sender", "recipient"} {
		if r[k] == "" {
			return false
		}
	}
	return true
}

func (r Request) ClientAddress() string { return r["client_address"] }
func (r Request) ClientName() string    { return r["client_name"] }
func (r Request) Sender() string        { return r["sender"] }
func (r Request) Recipient() string     { return r["recipient"] }

// ReadRequest reads lines from r until a blank line ends the request.
// Each non-blank line must be of the form key=value (value may contain
// further '='; only the first is a delimiter). A line matching neither
// form ends the request with ErrMalformedLine, which callers answer with
// the neutral action per §4.3.
func ReadRequest(r *bufio.Reader) (Request, error) {
	req := make(Request)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if err == io.EOF && line == "" {
				return nil, io.EOF
			}
			if err != io.EOF {
				return nil, err
			}
		}
		line = strings.TrimRight(line, "\r\n")

		if !utf8.ValidString(line) {
			return nil, ErrMalformedLine
		}

		if line == "" {
			return req, nil
		}

		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			return nil, ErrMalformedLine
		}
		req[line[:idx]] = line[idx+1:]

		if err == io.EOF {
			// Client closed the connection without sending the blank
			// terminator line; treat what we have as malformed.
			return nil, ErrMalformedLine
		}
	}
}

// Verb is a response action token understood by the MTA.
type Verb string

const (
	VerbDunno   Verb = "DUNNO"
	VerbPrepend Verb = "PREPEND"
)

// Response is a single policy decision, rendered as one line.
type Response struct {
	Verb Verb
	Arg  string
}

// Dunno is the neutral, always-safe response.
func Dunno() Response { return Response{Verb: VerbDunno} }

// String renders the response per the wire protocol:
// "action=<VERB> [<arg>]\n\n".
func (resp Response) String() string {
	if resp.Arg == "" {
		return fmt.Sprintf("action=%s\n\n", resp.Verb)
	}
	return fmt.Sprintf("action=%s %s\n\n", resp.Verb, resp.Arg)
}

// WriteTo writes the response line followed by the blank terminator.
func (resp Response) WriteTo(w *bufio.Writer) error {
	if _, err := w.WriteString(resp.String()); err != nil {
		return err
	}
	return w.Flush()
}
