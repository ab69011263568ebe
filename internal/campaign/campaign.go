// Package campaign turns account and recipient lists into dispatch jobs.
package campaign

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"mailrun/delivery"
	"mailrun/dispatch"
	"mailrun/internal/email"
)

// ErrAccountNotFound is returned when a requested sender is not in the
// accounts list.
var ErrAccountNotFound = errors.New("account not found")

// ReadLines returns the trimmed, non-blank lines of r.
func ReadLines(r io.Reader) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

// ReadLinesFile is ReadLines on the file at path.
func ReadLinesFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadLines(f)
}

// ParseAccounts parses "identity,secret" lines. Malformed lines are logged
// and skipped.
func ParseAccounts(lines []string, log zerolog.Logger) []delivery.Credential {
	var out []delivery.Credential
	for i, line := range lines {
		identity, secret, ok := strings.Cut(line, ",")
		identity = strings.TrimSpace(identity)
		secret = strings.TrimSpace(secret)
		if !ok || identity == "" || secret == "" {
			log.Warn().Int("line", i+1).Msg("skipping malformed account line")
			continue
		}
		if _, err := email.ParseAddress(identity); err != nil {
			log.Warn().Int("line", i+1).Err(err).Msg("skipping account with invalid address")
			continue
		}
		out = append(out, delivery.Credential{Identity: identity, Secret: secret})
	}
	return out
}

// SelectAccounts returns the accounts named in identities, in that order.
// An empty selection returns every account.
func SelectAccounts(accounts []delivery.Credential, identities []string) ([]delivery.Credential, error) {
	if len(identities) == 0 {
		return accounts, nil
	}
	var out []delivery.Credential
	for _, want := range identities {
		want = strings.TrimSpace(want)
		if want == "" {
			continue
		}
		found := false
		for _, acc := range accounts {
			if strings.EqualFold(acc.Identity, want) {
				out = append(out, acc)
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, want)
		}
	}
	return out, nil
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Template is the content shared by every job of a campaign.
type Template struct {
	ID          string
	Subject     string
	Body        string
	TrackingURL string
	Attachments []email.Attachment
}

// NewID returns a fresh campaign id.
func NewID() string { return uuid.NewString() }

// BuildJobs returns one job per recipient. Recipients keep their order and
// duplicates are kept, since each is a separate send.
func BuildJobs(recipients []string, t Template) []dispatch.Job {
	body := email.AppendTrackingPixel(t.Body, t.TrackingURL, t.ID)
	jobs := make([]dispatch.Job, 0, len(recipients))
	for _, r := range recipients {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		jobs = append(jobs, dispatch.Job{
			Destination:   r,
			Subject:       t.Subject,
			Body:          body,
			CorrelationID: t.ID,
			Attachments:   t.Attachments,
		})
	}
	return jobs
}
