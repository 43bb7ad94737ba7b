package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"

	"github.com/haasonsaas/warden/pkg/config"
	"github.com/haasonsaas/warden/pkg/credstore"
	"github.com/haasonsaas/warden/pkg/protocol"
	"github.com/haasonsaas/warden/pkg/transport"
)

// runOnboarding walks the activation protocol without the provisioning GUI:
// register the device, request an OTP to the employee's mailbox, read the
// code from the terminal, verify, then bind the hardware fingerprint
// best-effort and persist the activated config.
func runOnboarding(store *credstore.Store, cfg *config.AgentConfig, email string, admins []string) (*credstore.Config, error) {
	client, err := transport.New(transport.Options{
		BaseURL:        cfg.Server.URL,
		Timeout:        time.Duration(cfg.Server.RequestTimeout) * time.Second,
		RetryInitialMs: cfg.Server.RetryInitialMs,
		RetryMaxMs:     cfg.Server.RetryMaxMs,
		RetryMax:       cfg.Server.RetryMaxRetries,
	})
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	deviceID := xid.New().String()

	resp, err := client.RegisterDevice(ctx, &protocol.RegisterRequest{
		EmployeeEmail: email,
		DeviceID:      deviceID,
		Metadata:      map[string]string{"hostname": hostname()},
	})
	if err != nil {
		return nil, fmt.Errorf("registering device: %w", err)
	}
	deviceID = resp.DeviceID
	log.Info().Str("device_id", deviceID).Msg("Device registered")

	sent, err := client.RequestOTP(ctx, email, deviceID)
	if err != nil {
		return nil, fmt.Errorf("requesting OTP: %w", err)
	}
	if !sent {
		log.Warn().Msg("OTP email dispatch reported failure; the code may still be retrievable by an admin")
	}

	reader := bufio.NewReader(os.Stdin)
	code, err := prompt(reader, "Activation code (check your email): ")
	if err != nil {
		return nil, err
	}

	ok, err := client.VerifyOTP(ctx, deviceID, code)
	if err != nil {
		return nil, fmt.Errorf("verifying OTP: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("activation code rejected")
	}
	log.Info().Msg("Device activated")

	secret, err := prompt(reader, "Local credential passphrase: ")
	if err != nil {
		return nil, err
	}
	hash := sha256.Sum256([]byte(secret))

	// Binding is best-effort: a failure is logged and activation stands.
	info := fingerprint()
	if err := client.BindDevice(ctx, deviceID, &info); err != nil {
		log.Warn().Err(err).Msg("Hardware bind failed, continuing unbound")
	}

	state := &credstore.Config{
		DeviceID:       deviceID,
		EmployeeEmail:  email,
		CredentialHash: hex.EncodeToString(hash[:]),
		AdminEmails:    admins,
		ServerURL:      cfg.Server.URL,
		Activated:      true,
		BoundInfo:      &credstore.BoundInfo{MAC: info.MAC, Serial: info.Serial},
		LastLogin:      time.Now().Unix(),
		AgentVersion:   cfg.Version,
		PollInterval:   cfg.Polling.CommandIntervalS,
	}
	if err := store.Save(state); err != nil {
		return nil, fmt.Errorf("persisting activated config: %w", err)
	}
	return state, nil
}

func prompt(reader *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	value := strings.TrimSpace(line)
	if value == "" {
		return "", fmt.Errorf("empty input")
	}
	return value, nil
}

// fingerprint collects the MAC of the first physical-looking interface and
// the DMI product serial when readable. Absent values stay empty; binding
// tolerates partial fingerprints.
func fingerprint() protocol.BoundInfo {
	info := protocol.BoundInfo{Serial: readSerial()}
	ifaces, err := net.Interfaces()
	if err != nil {
		return info
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		info.MAC = iface.HardwareAddr.String()
		break
	}
	return info
}

func readSerial() string {
	raw, err := os.ReadFile("/sys/class/dmi/id/product_serial")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
