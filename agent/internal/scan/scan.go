// Package scan runs the network discovery probes dispatched by an
// agent.scan rpc.request: ARP/neighbor table reads, ICMP sweeps, nmap port
// scans, and SNMP walks. None of these have a pure-Go client available in
// this agent's dependency set, so each probe shells out to the host's own
// tooling: arp and nmap run one command per probe, ping and snmp one command
// per host, and stdout is parsed. A failed command's error is the exec error;
// stderr text is not added to it.
package scan

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netwatch-io/netwatch/shared/types"
)

// Service runs scan probes. The zero value is usable; logger may be nil.
type Service struct {
	logger *zap.Logger
}

// New returns a Service. logger may be nil, in which case a no-op logger is
// used.
func New(logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{logger: logger.Named("scan")}
}

// Scan runs the probes named by req.ScanType ("arp", "ping", "nmap", "snmp",
// or "all") and returns every device record found. progress is called once
// per probe as it completes, carrying that probe's records so the caller can
// stream partial results before the whole scan finishes.
func (s *Service) Scan(ctx context.Context, req types.ScanRequest, progress func(types.ScanProgress)) (types.ScanResponse, error) {
	if progress == nil {
		progress = func(types.ScanProgress) {}
	}

	kinds := []string{req.ScanType}
	if req.ScanType == "all" {
		kinds = []string{"arp", "ping", "nmap"}
	}

	var all []types.DeviceRecord
	var firstErr error
	for _, kind := range kinds {
		var recs []types.DeviceRecord
		var err error
		switch kind {
		case "arp":
			recs, err = s.arpScan(ctx)
		case "ping":
			recs, err = s.pingScan(ctx, req.NetworkCIDR)
		case "nmap":
			recs, err = s.nmapScan(ctx, req.NetworkCIDR, req.ScanPorts)
		case "snmp":
			recs, err = s.snmpScan(ctx, req.NetworkCIDR)
		default:
			err = fmt.Errorf("scan: unknown scan_type %q", kind)
		}
		if err != nil {
			s.logger.Warn("probe failed", zap.String("kind", kind), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		all = append(all, recs...)
		progress(types.ScanProgress{Devices: recs, Message: fmt.Sprintf("%s probe found %d device(s)", kind, len(recs))})
	}

	if len(all) == 0 && firstErr != nil {
		return types.ScanResponse{}, firstErr
	}
	return types.ScanResponse{Devices: all}, nil
}

// arpScan reads the kernel neighbor table via "ip neigh" (falling back to
// "arp -an" on systems without iproute2). Source rank for these records is
// the lowest in the discovery lattice — they observe only hosts this machine
// has already talked to.
func (s *Service) arpScan(ctx context.Context) ([]types.DeviceRecord, error) {
	out, err := exec.CommandContext(ctx, "ip", "neigh").Output()
	if err == nil {
		return parseIPNeigh(out), nil
	}

	out, err = exec.CommandContext(ctx, "arp", "-an").Output()
	if err != nil {
		return nil, fmt.Errorf("scan: arp probe: %w", err)
	}
	return parseArpAN(out), nil
}

var ipNeighRe = regexp.MustCompile(`^(\S+)\s+dev\s+(\S+)\s+lladdr\s+(\S+)\s+(\S+)`)

func parseIPNeigh(out []byte) []types.DeviceRecord {
	var recs []types.DeviceRecord
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		m := ipNeighRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		state := m[4]
		if state == "FAILED" || state == "INCOMPLETE" {
			continue
		}
		recs = append(recs, types.DeviceRecord{Address: m[1], MAC: m[3], Source: "arp"})
	}
	return recs
}

var arpANRe = regexp.MustCompile(`\(([^)]+)\)\s+at\s+([0-9a-fA-F:]+)`)

func parseArpAN(out []byte) []types.DeviceRecord {
	var recs []types.DeviceRecord
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		m := arpANRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		if strings.EqualFold(m[2], "<incomplete>") {
			continue
		}
		recs = append(recs, types.DeviceRecord{Address: m[1], MAC: m[2], Source: "arp"})
	}
	return recs
}

// pingScan sends one ICMP echo to every host in cidr and records replies.
// This is deliberately sequential and small-timeout rather than a raw-socket
// sweep, since the agent runs unprivileged on most hosts and "ping" is the
// one ICMP path guaranteed to work via the system's setuid/setcap binary.
func (s *Service) pingScan(ctx context.Context, cidr string) ([]types.DeviceRecord, error) {
	hosts, err := expandCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("scan: ping probe: %w", err)
	}

	var recs []types.DeviceRecord
	for _, host := range hosts {
		if ctx.Err() != nil {
			return recs, ctx.Err()
		}
		cmd := exec.CommandContext(ctx, "ping", "-c", "1", "-W", "1", host)
		if err := cmd.Run(); err == nil {
			recs = append(recs, types.DeviceRecord{Address: host, Source: "ping"})
		}
	}
	return recs, nil
}

// nmapScan runs a connect-scan over scanPorts (or nmap's default top-1000 if
// empty) across cidr using nmap's greppable output, which is considerably
// easier to line-parse than -oX.
func (s *Service) nmapScan(ctx context.Context, cidr string, scanPorts []int) ([]types.DeviceRecord, error) {
	if cidr == "" {
		return nil, fmt.Errorf("scan: nmap probe: network_cidr required")
	}
	args := []string{"-oG", "-", "-n"}
	if len(scanPorts) > 0 {
		ports := make([]string, len(scanPorts))
		for i, p := range scanPorts {
			ports[i] = strconv.Itoa(p)
		}
		args = append(args, "-p", strings.Join(ports, ","))
	}
	args = append(args, cidr)

	out, err := exec.CommandContext(ctx, "nmap", args...).Output()
	if err != nil {
		return nil, fmt.Errorf("scan: nmap probe: %w", err)
	}
	return parseNmapGreppable(out), nil
}

var nmapHostRe = regexp.MustCompile(`^Host:\s+(\S+)\s+\(([^)]*)\).*?Ports:\s+(.*)`)
var nmapPortRe = regexp.MustCompile(`(\d+)/open`)

func parseNmapGreppable(out []byte) []types.DeviceRecord {
	var recs []types.DeviceRecord
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		m := nmapHostRe.FindStringSubmatch(scanner.Text())
		if m == nil {
			continue
		}
		rec := types.DeviceRecord{Address: m[1], Hostname: m[2], Source: "nmap"}
		for _, pm := range nmapPortRe.FindAllStringSubmatch(m[3], -1) {
			port, err := strconv.Atoi(pm[1])
			if err == nil {
				rec.OpenPorts = append(rec.OpenPorts, port)
			}
		}
		recs = append(recs, rec)
	}
	return recs
}

// snmpScan walks sysDescr (1.3.6.1.2.1.1.1) for every host in cidr using the
// net-snmp command-line tools with the public community string, the same
// lowest-common-denominator default the original network tooling this was
// modeled on assumes when no per-device credential is configured yet — SNMP
// credentials arrive later, attached to the Device row once discovered.
func (s *Service) snmpScan(ctx context.Context, cidr string) ([]types.DeviceRecord, error) {
	hosts, err := expandCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("scan: snmp probe: %w", err)
	}

	var recs []types.DeviceRecord
	for _, host := range hosts {
		if ctx.Err() != nil {
			return recs, ctx.Err()
		}
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		out, err := exec.CommandContext(probeCtx, "snmpget", "-v2c", "-c", "public", "-t", "1", "-r", "0", host, "1.3.6.1.2.1.1.1.0").Output()
		cancel()
		if err != nil {
			continue
		}
		descr := parseSNMPValue(string(out))
		if descr == "" {
			continue
		}
		recs = append(recs, types.DeviceRecord{Address: host, Vendor: descr, Source: "snmp"})
	}
	return recs, nil
}

func parseSNMPValue(out string) string {
	idx := strings.Index(out, "STRING: ")
	if idx < 0 {
		return ""
	}
	return strings.Trim(strings.TrimSpace(out[idx+len("STRING: "):]), `"`)
}
