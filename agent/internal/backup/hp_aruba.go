package backup

import (
	"context"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/agent/internal/sshexec"
	"github.com/netwatch-io/netwatch/shared/types"
)

// hpArubaAdapter backs up ArubaOS-CX and ProCurve/Comware switches, which
// share enough of a command surface (show running-config, show version) to
// share one adapter. Only the config backup kind is meaningful for this
// vendor — there is no equivalent of MikroTik's binary system backup.
type hpArubaAdapter struct {
	logger *zap.Logger
}

func (a *hpArubaAdapter) Backup(ctx context.Context, req types.BackupRequest, artifact ArtifactFunc) (types.BackupResponse, error) {
	sess, err := sshexec.Dial(ctx, req.DeviceAddress, req.Credential)
	if err != nil {
		return types.BackupResponse{}, err
	}
	defer sess.Close()

	cfg, err := sess.Run(ctx, "show running-config")
	if err != nil {
		return types.BackupResponse{}, err
	}

	resp := types.BackupResponse{Config: cfg}

	version, err := sess.Run(ctx, "show version")
	if err != nil {
		a.logger.Warn("show version failed, config backup still succeeded", zap.Error(err))
		return resp, nil
	}
	resp.Model, resp.Firmware, resp.Serial = parseHPArubaVersion(version)
	return resp, nil
}

var (
	hpModelRe    = regexp.MustCompile(`(?i)(?:product|model)\s*(?:name)?\s*[:\-]\s*(\S+)`)
	hpFirmwareRe = regexp.MustCompile(`(?i)(?:software|firmware)\s*(?:revision|version)\s*[:\-]\s*(\S+)`)
	hpSerialRe   = regexp.MustCompile(`(?i)serial\s*(?:number)?\s*[:\-]\s*(\S+)`)
)

// parseHPArubaVersion extracts model/firmware/serial from "show version"
// output. ArubaOS-CX, ProCurve, and Comware each label these slightly
// differently, so the patterns match loosely on label text rather than a
// fixed column position.
func parseHPArubaVersion(out string) (model, firmware, serial string) {
	if m := hpModelRe.FindStringSubmatch(out); m != nil {
		model = strings.Trim(m[1], `",`)
	}
	if m := hpFirmwareRe.FindStringSubmatch(out); m != nil {
		firmware = strings.Trim(m[1], `",`)
	}
	if m := hpSerialRe.FindStringSubmatch(out); m != nil {
		serial = strings.Trim(m[1], `",`)
	}
	return model, firmware, serial
}
