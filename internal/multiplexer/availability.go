package multiplexer

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gluk-w/claworc/tether/internal/logutil"
)

// Distro is the remote operating system family, used to pick an install
// command.
type Distro string

const (
	DistroDebian  Distro = "debian"
	DistroUbuntu  Distro = "ubuntu"
	DistroRHEL    Distro = "rhel"
	DistroCentOS  Distro = "centos"
	DistroFedora  Distro = "fedora"
	DistroMacOS   Distro = "macos"
	DistroArch    Distro = "arch"
	DistroUnknown Distro = "unknown"
)

// Reason explains why tmux is not available.
type Reason string

const (
	NotInstalledDebian  Reason = "NotInstalledDebian"
	NotInstalledUbuntu  Reason = "NotInstalledUbuntu"
	NotInstalledRHEL    Reason = "NotInstalledRHEL"
	NotInstalledCentOS  Reason = "NotInstalledCentOS"
	NotInstalledFedora  Reason = "NotInstalledFedora"
	NotInstalledMacOS   Reason = "NotInstalledMacOS"
	NotInstalledArch    Reason = "NotInstalledArch"
	NotInstalledUnknown Reason = "NotInstalledUnknown"
)

var reasonByDistro = map[Distro]Reason{
	DistroDebian:  NotInstalledDebian,
	DistroUbuntu:  NotInstalledUbuntu,
	DistroRHEL:    NotInstalledRHEL,
	DistroCentOS:  NotInstalledCentOS,
	DistroFedora:  NotInstalledFedora,
	DistroMacOS:   NotInstalledMacOS,
	DistroArch:    NotInstalledArch,
	DistroUnknown: NotInstalledUnknown,
}

// Availability is the outcome of CheckAvailability. Path is set when tmux
// was found; otherwise Reason, Distro and (when known) InstallCommand are.
type Availability struct {
	Available      bool   `json:"available"`
	Path           string `json:"path,omitempty"`
	Reason         Reason `json:"reason,omitempty"`
	Distro         Distro `json:"distro,omitempty"`
	InstallCommand string `json:"install_command,omitempty"`
}

// PathCache persists the resolved binary path per remote account.
type PathCache interface {
	Load(key string) (string, bool)
	Store(key, path string) error
}

// CacheKey is the PathCache key for one remote account.
func CacheKey(user, host string, port int) string {
	return "tmux_path:" + logutil.Endpoint(user, host, port)
}

// CheckAvailability locates tmux on the remote host. The search order is
// the cached path, which, command -v, then the known prefixes. The first
// hit is cached. When nothing is found the remote OS is classified.
// It is refused while a session is live, detached or starting, since a
// later Initialize would replace that session's channel.
func (d *Driver) CheckAvailability(ctx context.Context) (Availability, error) {
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.checkAllowed(); err != nil {
		return Availability{}, err
	}
	return d.checkAvailability(ctx)
}

func (d *Driver) checkAllowed() error {
	switch s := d.State(); s {
	case StateReady, StateDetached, StateInitializing:
		return fmt.Errorf("availability check in state %s: %w", s, ErrSessionActive)
	}
	return nil
}

func (d *Driver) checkAvailability(ctx context.Context) (Availability, error) {
	d.setState(StateChecking)

	path, err := d.locate(ctx)
	if err != nil {
		d.setState(StateError)
		return Availability{}, fmt.Errorf("locate tmux: %w", err)
	}

	if path != "" {
		if d.cache != nil && d.cacheKey != "" {
			if err := d.cache.Store(d.cacheKey, path); err != nil {
				log.Printf("[tmux] cache path: %v", err)
			}
		}
		av := Availability{Available: true, Path: path}
		d.mu.Lock()
		d.availability = av
		d.binPath = path
		d.mu.Unlock()
		d.setState(StateAvailable)
		log.Printf("[tmux] found at %s", logutil.SanitizeForLog(path))
		return av, nil
	}

	distro, err := d.detectDistro(ctx)
	if err != nil {
		d.setState(StateError)
		return Availability{}, fmt.Errorf("detect remote os: %w", err)
	}
	av := Availability{Reason: reasonByDistro[distro], Distro: distro}
	if cmd, ok := d.table.Command(distro); ok {
		av.InstallCommand = cmd
	}
	d.mu.Lock()
	d.availability = av
	d.mu.Unlock()
	d.setState(StateNotAvailable)
	log.Printf("[tmux] not installed (%s)", av.Reason)
	return av, nil
}

func (d *Driver) locate(ctx context.Context) (string, error) {
	if d.cache != nil && d.cacheKey != "" {
		if cached, ok := d.cache.Load(d.cacheKey); ok && cached != "" {
			out, err := d.conn.RunLenient(ctx, testExecutableCmd(cached), d.maxRetries)
			if err != nil {
				return "", err
			}
			if strings.TrimSpace(out) == "ok" {
				return cached, nil
			}
		}
	}

	for _, cmd := range []string{"which tmux 2>/dev/null", "command -v tmux 2>/dev/null", searchPrefixesCmd()} {
		out, err := d.conn.RunLenient(ctx, cmd, d.maxRetries)
		if err != nil {
			return "", err
		}
		if p := firstAbsPath(out); p != "" {
			return p, nil
		}
	}
	return "", nil
}

func firstAbsPath(out string) string {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "/") {
			return line
		}
	}
	return ""
}

func (d *Driver) detectDistro(ctx context.Context) (Distro, error) {
	out, err := d.conn.RunLenient(ctx, osProbeCmd, d.maxRetries)
	if err != nil {
		return DistroUnknown, err
	}
	return ClassifyOS(out), nil
}

// ClassifyOS maps /etc/os-release content plus a "__uname=<kernel>" line
// to a Distro.
func ClassifyOS(probe string) Distro {
	var id, idLike, uname string
	sc := bufio.NewScanner(strings.NewReader(probe))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case strings.HasPrefix(line, "ID="):
			id = strings.ToLower(unquote(strings.TrimPrefix(line, "ID=")))
		case strings.HasPrefix(line, "ID_LIKE="):
			idLike = strings.ToLower(unquote(strings.TrimPrefix(line, "ID_LIKE=")))
		case strings.HasPrefix(line, "__uname="):
			uname = strings.TrimPrefix(line, "__uname=")
		}
	}

	if uname == "Darwin" {
		return DistroMacOS
	}
	switch id {
	case "ubuntu":
		return DistroUbuntu
	case "debian":
		return DistroDebian
	case "rhel":
		return DistroRHEL
	case "centos":
		return DistroCentOS
	case "fedora":
		return DistroFedora
	case "arch", "manjaro", "endeavouros":
		return DistroArch
	}
	for _, like := range strings.Fields(idLike) {
		switch like {
		case "ubuntu", "debian":
			return DistroDebian
		case "rhel", "centos", "fedora":
			return DistroRHEL
		case "arch":
			return DistroArch
		}
	}
	return DistroUnknown
}

func unquote(s string) string {
	return strings.Trim(s, `"'`)
}

// InstallIfConsented runs the install command for distro and re-checks
// availability. Without consent nothing runs.
func (d *Driver) InstallIfConsented(ctx context.Context, distro Distro, consented bool) (Availability, error) {
	if !consented {
		return Availability{}, ErrConsentRequired
	}
	d.opMu.Lock()
	defer d.opMu.Unlock()
	if err := d.checkAllowed(); err != nil {
		return Availability{}, err
	}
	cmd, ok := d.table.Command(distro)
	if !ok {
		return Availability{}, fmt.Errorf("%w: %s", ErrNoInstallCommand, distro)
	}

	log.Printf("[tmux] installing with: %s", logutil.CommandLabel(cmd))
	if _, err := d.conn.Run(ctx, cmd); err != nil {
		return Availability{}, fmt.Errorf("install tmux: %w", err)
	}
	return d.checkAvailability(ctx)
}
