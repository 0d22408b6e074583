package securejoin

import (
	"fmt"
	"net/url"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

// QR is the decoded payload of a secure-join code:
//
//	OPENPGP4FPR:<fingerprint>#a=<addr>&n=<name>&i=<invite>&s=<auth>[&x=<grpid>&g=<grpname>]
//
// The fingerprint is the inviter's key fingerprint; invite and auth are the
// random tokens guarding the handshake against injection.
type QR struct {
	Fingerprint string
	Addr        string
	Name        string
	Invite      string
	Auth        string
	GrpID       string // set for group joins
	GrpName     string
}

const qrScheme = "OPENPGP4FPR:"

// IsGroup reports whether the code invites into a group rather than a
// one-to-one verified contact setup.
func (q QR) IsGroup() bool { return q.GrpID != "" }

// Encode renders the payload into its wire form.
func (q QR) Encode() string {
	v := url.Values{}
	v.Set("a", q.Addr)
	if q.Name != "" {
		v.Set("n", q.Name)
	}
	v.Set("i", q.Invite)
	v.Set("s", q.Auth)
	if q.GrpID != "" {
		v.Set("x", q.GrpID)
		v.Set("g", q.GrpName)
	}
	return qrScheme + q.Fingerprint + "#" + v.Encode()
}

// ParseQR decodes a scanned secure-join payload.
func ParseQR(s string) (QR, error) {
	if !strings.HasPrefix(s, qrScheme) {
		return QR{}, fmt.Errorf("securejoin: unrecognized qr scheme in %q", truncate(s, 24))
	}
	rest := strings.TrimPrefix(s, qrScheme)
	fpr, query, ok := strings.Cut(rest, "#")
	if !ok || fpr == "" {
		return QR{}, fmt.Errorf("securejoin: qr payload missing fingerprint")
	}
	v, err := url.ParseQuery(query)
	if err != nil {
		return QR{}, fmt.Errorf("securejoin: parse qr params: %w", err)
	}
	q := QR{
		Fingerprint: fpr,
		Addr:        v.Get("a"),
		Name:        v.Get("n"),
		Invite:      v.Get("i"),
		Auth:        v.Get("s"),
		GrpID:       v.Get("x"),
		GrpName:     v.Get("g"),
	}
	if q.Addr == "" || q.Invite == "" || q.Auth == "" {
		return QR{}, fmt.Errorf("securejoin: qr payload missing required fields")
	}
	return q, nil
}

// WriteQR renders the payload as a QR code PNG at path, sized for scanning
// from another device's screen.
func WriteQR(q QR, path string) error {
	return qrcode.WriteFile(q.Encode(), qrcode.Medium, 256, path)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
