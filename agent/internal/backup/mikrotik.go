package backup

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/pkg/sftp"
	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/agent/internal/sshexec"
	"github.com/netwatch-io/netwatch/shared/types"
)

// mikrotikAdapter backs up RouterOS devices. A "config" backup is the
// human-readable /export script; a "binary" backup is RouterOS's own
// /system backup save image, fetched over SFTP on the same SSH connection
// and removed from the device once transferred.
type mikrotikAdapter struct {
	logger *zap.Logger
}

func (a *mikrotikAdapter) Backup(ctx context.Context, req types.BackupRequest, artifact ArtifactFunc) (types.BackupResponse, error) {
	sess, err := sshexec.Dial(ctx, req.DeviceAddress, req.Credential)
	if err != nil {
		return types.BackupResponse{}, err
	}
	defer sess.Close()

	var resp types.BackupResponse

	if req.BackupKind == "config" || req.BackupKind == "both" {
		cfg, err := sess.Run(ctx, "/export")
		if err != nil {
			return types.BackupResponse{}, err
		}
		resp.Config = cfg
	}

	if board, err := sess.Run(ctx, "/system routerboard print"); err == nil {
		resp.Model, resp.Serial = parseMikrotikRouterboard(board)
	}
	if resource, err := sess.Run(ctx, "/system resource print"); err == nil {
		resp.Firmware = parseMikrotikVersion(resource)
	}

	if req.BackupKind == "binary" || req.BackupKind == "both" {
		name := "netwatch-" + sanitizeFilename(req.DeviceID)
		if err := a.fetchBinary(ctx, sess, name, artifact); err != nil {
			return resp, err
		}
		resp.HasBinary = true
	}

	return resp, nil
}

// fetchBinary triggers a RouterOS system backup, streams the resulting file
// to artifact over SFTP, then removes it from the device.
func (a *mikrotikAdapter) fetchBinary(ctx context.Context, sess *sshexec.Session, name string, artifact ArtifactFunc) error {
	if _, err := sess.Run(ctx, fmt.Sprintf("/system backup save name=%s", name)); err != nil {
		return fmt.Errorf("backup: mikrotik system backup save: %w", err)
	}

	remoteFile := name + ".backup"
	defer func() {
		_, _ = sess.Run(ctx, "/file remove "+remoteFile)
	}()

	client, err := sftp.NewClient(sess.Client())
	if err != nil {
		return fmt.Errorf("backup: mikrotik sftp client: %w", err)
	}
	defer client.Close()

	f, err := client.Open(remoteFile)
	if err != nil {
		return fmt.Errorf("backup: mikrotik open %s: %w", remoteFile, err)
	}
	defer f.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			artifact(chunk, false)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("backup: mikrotik read %s: %w", remoteFile, err)
		}
	}
	artifact(nil, true)
	return nil
}

func sanitizeFilename(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

var (
	mtSerialRe = regexp.MustCompile(`(?m)^\s*serial-number:\s*(\S+)`)
	mtBoardRe  = regexp.MustCompile(`(?m)^\s*(?:model|board-name):\s*(.+)$`)
	mtVerRe    = regexp.MustCompile(`(?m)^\s*version:\s*(\S+)`)
)

func parseMikrotikRouterboard(out string) (model, serial string) {
	if m := mtBoardRe.FindStringSubmatch(out); m != nil {
		model = strings.TrimSpace(m[1])
	}
	if m := mtSerialRe.FindStringSubmatch(out); m != nil {
		serial = strings.TrimSpace(m[1])
	}
	return model, serial
}

func parseMikrotikVersion(out string) string {
	if m := mtVerRe.FindStringSubmatch(out); m != nil {
		return strings.TrimSpace(m[1])
	}
	return ""
}
