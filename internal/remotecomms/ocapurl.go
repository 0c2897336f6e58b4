package remotecomms

import (
	"fmt"
	"strings"

	"github.com/oriys/vatkernel/internal/domain"
)

// parseOcapURL splits an ocap:<peerId>/<token> URL (spec.md section 4.7)
// into its peer and token parts.
func parseOcapURL(url string) (domain.PeerID, string, error) {
	const prefix = "ocap:"
	if !strings.HasPrefix(url, prefix) {
		return "", "", fmt.Errorf("remotecomms: not an ocap url: %q", url)
	}
	rest := strings.TrimPrefix(url, prefix)
	idx := strings.IndexByte(rest, '/')
	if idx < 0 || idx == 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("remotecomms: malformed ocap url: %q", url)
	}
	return domain.PeerID(rest[:idx]), rest[idx+1:], nil
}
