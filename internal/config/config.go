// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package config carrega, valida e mantém o snapshot imutável de parâmetros
// de runtime lido pelo núcleo do servidor (§3 "Config store").
package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AutoRecovery enumera a política aplicada quando o ring é detectado corrompido
// ou em uma versão antiga de disco na inicialização.
type AutoRecovery int

const (
	AutoRecoveryOff    AutoRecovery = 0
	AutoRecoveryMove   AutoRecovery = 1 // renomeia para .corrupt / .versionN
	AutoRecoveryDelete AutoRecovery = 2
)

// PolicyEntry é uma entrada de lista de IP com um limite opcional de stream-ID
// (regex), espelhando IPNet do modelo de dados (§3).
type PolicyEntry struct {
	CIDR  string `yaml:"cidr"`
	Limit string `yaml:"limit,omitempty"` // regex opcional de stream-ID

	net   *net.IPNet  // preenchido por validate()
	limit *regexp.Regexp
}

// Network retorna a rede já parseada (válida após validate()).
func (p *PolicyEntry) Network() *net.IPNet { return p.net }

// LimitPattern retorna o padrão de stream-ID compilado, ou nil se nenhum.
func (p *PolicyEntry) LimitPattern() *regexp.Regexp { return p.limit }

// ListenEndpointConfig descreve um `(portString, protocols, familyFlags, tls)`
// do §3 ListenEndpoint e §6.
type ListenEndpointConfig struct {
	Port      string   `yaml:"port"`      // numérico (TCP) ou caminho (UNIX)
	Protocols []string `yaml:"protocols"` // subconjunto de {datalink, seedlink, http}
	Family    []string `yaml:"family"`    // subconjunto de {ipv4, ipv6, unix}
	TLS       bool     `yaml:"tls"`

	RateLimitBps int `yaml:"rate_limit_bps,omitempty"` // 0 = sem limite (ver internal/clientio)
}

// ScannerConfig descreve um scan-job de directory scanner (§6 "Directory scanners").
type ScannerConfig struct {
	Path             string `yaml:"path"`
	StateFile        string `yaml:"state_file"`
	Match            string `yaml:"match,omitempty"`
	Reject           string `yaml:"reject,omitempty"`
	InitCurrentState bool   `yaml:"init_current_state"`
	Schedule         string `yaml:"schedule"` // cron expression (default "@every 1m")
}

// TransferLogConfig configura a janela de rotação do transfer log (§3 TransferLogWindow).
type TransferLogConfig struct {
	Dir          string `yaml:"dir"`
	Prefix       string `yaml:"prefix"`
	IntervalHour int    `yaml:"interval_hours"` // default 24
	TXEnabled    bool   `yaml:"tx_enabled"`
	RXEnabled    bool   `yaml:"rx_enabled"`
}

// Snapshot é o registro imutável de parâmetros lido pelo núcleo (§6 "Config snapshot").
// Uma nova Snapshot é construída a cada (re)carga; os overrides (ApplyEnv e
// flags) a alteram antes de ela ser publicada, e depois disso ela não é mais
// mutada — o Store troca o ponteiro atomicamente (ver store.go).
type Snapshot struct {
	RingDir       string       `yaml:"ring_dir"`
	RingSize      string       `yaml:"ring_size"` // aceita sufixos kb/mb/gb
	PktSize       string       `yaml:"pkt_size"`
	MemoryMapRing bool         `yaml:"memory_map_ring"`
	VolatileRing  bool         `yaml:"volatile_ring"`
	AutoRecovery  AutoRecovery `yaml:"auto_recovery"`

	ServerID     string `yaml:"server_id"`
	Verbosity    int    `yaml:"verbosity"`
	ResolveHosts bool   `yaml:"resolve_hosts"`

	MaxClients      int           `yaml:"max_clients"` // 0 = ilimitado
	MaxClientsPerIP int           `yaml:"max_clients_per_ip"`
	ClientTimeout   time.Duration `yaml:"client_timeout"` // duração Go no YAML (ex.: "30s"); validate() aplica 60s se <= 0

	TimeWinLimit float64 `yaml:"time_win_limit"` // [0,1]

	WebRoot     string `yaml:"web_root"`
	HTTPHeaders string `yaml:"http_headers"`

	MseedArchive     string        `yaml:"mseed_archive"`
	MseedIdleTimeout time.Duration `yaml:"mseed_idle_timeout"`

	TLSCertFile         string `yaml:"tls_cert_file"`
	TLSKeyFile          string `yaml:"tls_key_file"`
	TLSVerifyClientCert bool   `yaml:"tls_verify_client_cert"`
	TLSClientCAFile     string `yaml:"tls_client_ca_file,omitempty"` // exigido quando tls_verify_client_cert é true

	ClientDebugLogDir string `yaml:"client_debug_log_dir,omitempty"` // vazio = sem log por-client dedicado

	MatchIPs   []PolicyEntry `yaml:"match_ips"`
	RejectIPs  []PolicyEntry `yaml:"reject_ips"`
	WriteIPs   []PolicyEntry `yaml:"write_ips"`
	TrustedIPs []PolicyEntry `yaml:"trusted_ips"`
	LimitIPs   []PolicyEntry `yaml:"limit_ips"`

	TransferLog TransferLogConfig `yaml:"transfer_log"`

	Listeners []ListenEndpointConfig `yaml:"listeners"`
	Scanners  []ScannerConfig        `yaml:"scanners"`

	Logging LoggingInfo `yaml:"logging"`

	// RingSizeBytes, PktSizeBytes são preenchidos por validate(); não vêm do YAML.
	RingSizeBytes int64 `yaml:"-"`
	PktSizeBytes  int64 `yaml:"-"`

	// sourcePath e sourceModTime dão suporte ao reread por mtime (§4.1 passo 8).
	sourcePath    string
	sourceModTime time.Time
}

// LoggingInfo configura nível/formato/arquivo de log, mesmo shape do teacher.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file,omitempty"`
}

// Load lê, parseia e valida o arquivo YAML de configuração, aplicando defaults.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var snap Snapshot
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := snap.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if fi, statErr := os.Stat(path); statErr == nil {
		snap.sourceModTime = fi.ModTime()
	}
	snap.sourcePath = path

	return &snap, nil
}

// SourcePath retorna o caminho do arquivo que originou este snapshot.
func (s *Snapshot) SourcePath() string { return s.sourcePath }

// SourceModTime retorna o mtime do arquivo no momento da carga.
func (s *Snapshot) SourceModTime() time.Time { return s.sourceModTime }

func (s *Snapshot) validate() error {
	if s.ServerID == "" {
		s.ServerID = "ringserver"
	}
	if s.RingDir == "" {
		return fmt.Errorf("ring_dir is required")
	}
	ringBytes, err := ParseByteSize(s.RingSize)
	if err != nil {
		return fmt.Errorf("ring_size: %w", err)
	}
	if ringBytes <= 0 {
		return fmt.Errorf("ring_size must be > 0")
	}
	s.RingSizeBytes = ringBytes

	pktBytes, err := ParseByteSize(s.PktSize)
	if err != nil {
		return fmt.Errorf("pkt_size: %w", err)
	}
	if pktBytes <= 0 {
		pktBytes = 512
	}
	s.PktSizeBytes = pktBytes

	if s.AutoRecovery < AutoRecoveryOff || s.AutoRecovery > AutoRecoveryDelete {
		return fmt.Errorf("auto_recovery must be 0, 1 or 2, got %d", s.AutoRecovery)
	}

	if s.ClientTimeout <= 0 {
		s.ClientTimeout = 60 * time.Second
	}
	if s.TimeWinLimit < 0 || s.TimeWinLimit > 1 {
		return fmt.Errorf("time_win_limit must be between 0 and 1, got %.2f", s.TimeWinLimit)
	}

	if len(s.Listeners) == 0 {
		return fmt.Errorf("at least one listener is required")
	}
	anyTLS := false
	for i, l := range s.Listeners {
		if l.Port == "" {
			return fmt.Errorf("listeners[%d].port is required", i)
		}
		if len(l.Protocols) == 0 {
			return fmt.Errorf("listeners[%d].protocols must name at least one protocol", i)
		}
		if l.TLS {
			anyTLS = true
		}
	}
	// Invariante do ListenEndpoint (§3): se TLS está ligado, o snapshot deve
	// nomear um certificado e uma chave.
	if anyTLS && (s.TLSCertFile == "" || s.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file are required when any listener has tls enabled")
	}
	if s.TLSVerifyClientCert && s.TLSClientCAFile == "" {
		return fmt.Errorf("tls_client_ca_file is required when tls_verify_client_cert is true")
	}

	for name, entries := range map[string][]PolicyEntry{
		"match_ips":   s.MatchIPs,
		"reject_ips":  s.RejectIPs,
		"write_ips":   s.WriteIPs,
		"trusted_ips": s.TrustedIPs,
		"limit_ips":   s.LimitIPs,
	} {
		for i := range entries {
			if err := entries[i].compile(); err != nil {
				return fmt.Errorf("%s[%d]: %w", name, i, err)
			}
		}
	}

	if s.TransferLog.IntervalHour <= 0 {
		s.TransferLog.IntervalHour = 24
	}

	for i := range s.Scanners {
		if s.Scanners[i].Schedule == "" {
			s.Scanners[i].Schedule = "@every 1m"
		}
	}

	if s.Logging.Level == "" {
		s.Logging.Level = "info"
	}
	if s.Logging.Format == "" {
		s.Logging.Format = "json"
	}

	return nil
}

func (p *PolicyEntry) compile() error {
	_, ipnet, err := net.ParseCIDR(p.CIDR)
	if err != nil {
		ip := net.ParseIP(strings.TrimSpace(p.CIDR))
		if ip == nil {
			return fmt.Errorf("invalid cidr %q", p.CIDR)
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		_, ipnet, _ = net.ParseCIDR(fmt.Sprintf("%s/%d", ip.String(), bits))
	}
	p.net = ipnet

	if p.Limit != "" {
		re, err := regexp.Compile(p.Limit)
		if err != nil {
			return fmt.Errorf("invalid limit pattern %q: %w", p.Limit, err)
		}
		p.limit = re
	}
	return nil
}
