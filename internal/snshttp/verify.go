package snshttp

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1" // #nosec G505 -- SignatureVersion 1 is defined as SHA1withRSA
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ErrInvalidSignature is returned for messages that fail signature verification.
var ErrInvalidSignature = errors.New("invalid sns signature")

// DefaultCertHost matches the hosts SNS serves signing certificates from.
var DefaultCertHost = regexp.MustCompile(`^sns\.[a-z0-9-]+\.amazonaws\.com(\.cn)?$`)

const maxCertBytes = 64 * 1024

// Verifier authenticates an SNS message before it is acted on.
type Verifier interface {
	Verify(ctx context.Context, msg Message) error
}

// SignatureVerifier checks SNS message signatures against the signing
// certificate named in the message. Certificates are cached by URL.
type SignatureVerifier struct {
	client   *http.Client
	certHost *regexp.Regexp

	mu    sync.Mutex
	certs map[string]*x509.Certificate
}

// VerifierOption configures a SignatureVerifier.
type VerifierOption func(*SignatureVerifier)

// WithHTTPClient sets the client used to download signing certificates.
func WithHTTPClient(c *http.Client) VerifierOption {
	return func(v *SignatureVerifier) { v.client = c }
}

// WithCertHost overrides the pattern signing certificate hosts must match.
func WithCertHost(re *regexp.Regexp) VerifierOption {
	return func(v *SignatureVerifier) { v.certHost = re }
}

// NewSignatureVerifier creates a verifier accepting certificates from SNS hosts only.
func NewSignatureVerifier(opts ...VerifierOption) *SignatureVerifier {
	v := &SignatureVerifier{
		client:   &http.Client{Timeout: 10 * time.Second},
		certHost: DefaultCertHost,
		certs:    make(map[string]*x509.Certificate),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks msg was signed by SNS.
func (v *SignatureVerifier) Verify(ctx context.Context, msg Message) error {
	var hash crypto.Hash
	switch msg.SignatureVersion {
	case "1":
		hash = crypto.SHA1
	case "2":
		hash = crypto.SHA256
	default:
		return fmt.Errorf("%w: unsupported signature version %q", ErrInvalidSignature, msg.SignatureVersion)
	}

	sig, err := base64.StdEncoding.DecodeString(msg.Signature)
	if err != nil || len(sig) == 0 {
		return fmt.Errorf("%w: signature is not base64", ErrInvalidSignature)
	}

	signed, err := StringToSign(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	cert, err := v.certificate(ctx, msg.SigningCertURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signing certificate key is not RSA", ErrInvalidSignature)
	}

	var digest []byte
	if hash == crypto.SHA1 {
		sum := sha1.Sum([]byte(signed)) // #nosec G401
		digest = sum[:]
	} else {
		sum := sha256.Sum256([]byte(signed))
		digest = sum[:]
	}

	if err := rsa.VerifyPKCS1v15(pub, hash, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// StringToSign builds the canonical text SNS signs for a message.
func StringToSign(msg Message) (string, error) {
	type field struct{ key, value string }

	var fields []field
	switch msg.Type {
	case TypeNotification:
		fields = []field{
			{"Message", msg.Message},
			{"MessageId", msg.MessageID},
			{"Subject", msg.Subject},
			{"Timestamp", msg.Timestamp},
			{"TopicArn", msg.TopicARN},
			{"Type", msg.Type},
		}
	case TypeSubscriptionConfirmation, TypeUnsubscribeConfirmation:
		fields = []field{
			{"Message", msg.Message},
			{"MessageId", msg.MessageID},
			{"SubscribeURL", msg.SubscribeURL},
			{"Timestamp", msg.Timestamp},
			{"Token", msg.Token},
			{"TopicArn", msg.TopicARN},
			{"Type", msg.Type},
		}
	default:
		return "", fmt.Errorf("unsupported message type %q", msg.Type)
	}

	var b strings.Builder
	for _, f := range fields {
		// Subject is the only optional signed field.
		if f.key == "Subject" && f.value == "" {
			continue
		}
		b.WriteString(f.key)
		b.WriteByte('\n')
		b.WriteString(f.value)
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (v *SignatureVerifier) certificate(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse signing cert url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("signing cert url %q is not https", rawURL)
	}
	if !v.certHost.MatchString(u.Host) {
		return nil, fmt.Errorf("signing cert host %q is not an sns host", u.Host)
	}

	v.mu.Lock()
	cert, ok := v.certs[rawURL]
	v.mu.Unlock()
	if ok {
		return cert, nil
	}

	cert, err = v.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.certs[rawURL] = cert
	v.mu.Unlock()
	return cert, nil
}

func (v *SignatureVerifier) fetch(ctx context.Context, rawURL string) (*x509.Certificate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch signing cert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch signing cert: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxCertBytes))
	if err != nil {
		return nil, fmt.Errorf("read signing cert: %w", err)
	}

	block, _ := pem.Decode(body)
	if block == nil {
		return nil, errors.New("signing cert is not PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse signing cert: %w", err)
	}
	if now := time.Now(); now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, errors.New("signing cert is not valid at this time")
	}
	return cert, nil
}
