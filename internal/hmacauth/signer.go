package hmacauth

import (
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// Signer produces the headers a Verifier with the same secret accepts.
type Signer struct {
	Secret string
	Now    func() time.Time
}

// Sign returns the timestamp and signature headers for body.
func (s *Signer) Sign(body []byte) (timestamp, signature string) {
	now := time.Now()
	if s.Now != nil {
		now = s.Now()
	}
	timestamp = strconv.FormatInt(now.Unix(), 10)
	return timestamp, computeSignature(s.Secret, timestamp, body)
}

// Apply sets body on req and signs it. Nothing is signed when Secret is empty.
func (s *Signer) Apply(req *resty.Request, body []byte) *resty.Request {
	req.SetBody(body)
	if s == nil || s.Secret == "" {
		return req
	}
	ts, sig := s.Sign(body)
	return req.
		SetHeader(headerTimestamp, ts).
		SetHeader(headerSignature, sig)
}
