// Command warden is the operator CLI for the collector: device inventory,
// manual activation and binding, and command dispatch.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/warden/pkg/protocol"
)

var (
	serverURL  string
	adminToken string
	Version    = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Warden - endpoint agent control plane",
		Long:  "Inspect and administer devices enrolled with the Warden collector",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", envOr("WARDEN_SERVER_URL", "http://localhost:8080"), "Collector URL")
	rootCmd.PersistentFlags().StringVarP(&adminToken, "token", "t", os.Getenv("WARDEN_ADMIN_TOKEN"), "Admin bearer token")

	rootCmd.AddCommand(
		devicesCmd(),
		deviceCmd(),
		activateCmd(),
		bindCmd(),
		commandCmd(),
		registerCmd(),
		requestOTPCmd(),
		verifyOTPCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List registered devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			var devices []protocol.Device
			if err := request(http.MethodGet, "/admin/devices", nil, &devices); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE ID\tOWNER\tACTIVATED\tBOUND\tLAST SEEN")
			for _, d := range devices {
				lastSeen := "never"
				if d.LastSeen != nil {
					lastSeen = d.LastSeen.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%v\t%v\t%s\n", d.DeviceID, d.OwnerEmail, d.Activated, d.Bound, lastSeen)
			}
			return w.Flush()
		},
	}
}

func deviceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "device <device-id>",
		Short: "Show one device record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var device protocol.Device
			if err := request(http.MethodGet, "/admin/devices/"+args[0], nil, &device); err != nil {
				return err
			}
			return printJSON(device)
		},
	}
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate <device-id>",
		Short: "Activate a device without OTP proof (operator recovery)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := request(http.MethodPost, "/admin/devices/"+args[0]+"/activate", map[string]string{}, nil); err != nil {
				return err
			}
			fmt.Printf("Device %s activated\n", args[0])
			return nil
		},
	}
}

func bindCmd() *cobra.Command {
	var mac, serial string
	cmd := &cobra.Command{
		Use:   "bind <device-id>",
		Short: "Record a device's hardware fingerprint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info := protocol.BoundInfo{MAC: mac, Serial: serial}
			if err := request(http.MethodPost, "/admin/devices/"+args[0]+"/bind", info, nil); err != nil {
				return err
			}
			fmt.Printf("Device %s bound\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&mac, "mac", "", "MAC address")
	cmd.Flags().StringVar(&serial, "serial", "", "Hardware serial")
	return cmd
}

func commandCmd() *cobra.Command {
	var payload string
	cmd := &cobra.Command{
		Use:   "command <device-id> <type>",
		Short: "Enqueue a command for a device",
		Long:  fmt.Sprintf("Enqueue a command. Allowed types: %v", protocol.KnownCommandTypes()),
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdType := protocol.CommandType(args[1])
			if !cmdType.Known() {
				return fmt.Errorf("unknown command type %q (allowed: %v)", args[1], protocol.KnownCommandTypes())
			}
			create := protocol.CommandCreate{Type: cmdType}
			if payload != "" {
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				create.Payload = json.RawMessage(payload)
			}

			var resp struct {
				ID string `json:"id"`
			}
			path := fmt.Sprintf("/api/v1/agents/%s/commands", args[0])
			if err := request(http.MethodPost, path, create, &resp); err != nil {
				return err
			}
			fmt.Printf("Command %s enqueued for %s\n", resp.ID, args[0])
			return nil
		},
	}
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Command payload as JSON")
	return cmd
}

func registerCmd() *cobra.Command {
	var email, deviceID string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a device on behalf of an employee",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email is required")
			}
			req := protocol.RegisterRequest{EmployeeEmail: email, DeviceID: deviceID}
			var resp protocol.RegisterResponse
			if err := request(http.MethodPost, "/api/v1/register_device", req, &resp); err != nil {
				return err
			}
			fmt.Printf("Registered device %s\n", resp.DeviceID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Employee email")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Requested device ID (generated when omitted)")
	return cmd
}

func requestOTPCmd() *cobra.Command {
	var email, deviceID string
	cmd := &cobra.Command{
		Use:   "request-otp",
		Short: "Request an activation code for a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || deviceID == "" {
				return fmt.Errorf("--email and --device-id are required")
			}
			req := protocol.OTPRequest{Email: email, DeviceID: deviceID}
			var resp protocol.OTPRequestResponse
			if err := request(http.MethodPost, "/api/v1/request_otp", req, &resp); err != nil {
				return err
			}
			if resp.Sent {
				fmt.Println("Activation code sent")
			} else {
				fmt.Println("Code stored but email dispatch failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Employee email")
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Device ID")
	return cmd
}

func verifyOTPCmd() *cobra.Command {
	var deviceID, code string
	cmd := &cobra.Command{
		Use:   "verify-otp",
		Short: "Verify an activation code",
		RunE: func(cmd *cobra.Command, args []string) error {
			if deviceID == "" || code == "" {
				return fmt.Errorf("--device-id and --code are required")
			}
			req := protocol.OTPVerifyRequest{DeviceID: deviceID, Code: code}
			var resp protocol.OTPVerifyResponse
			if err := request(http.MethodPost, "/api/v1/verify_otp", req, &resp); err != nil {
				return err
			}
			if resp.OK {
				fmt.Println("Device activated")
				return nil
			}
			return fmt.Errorf("code rejected")
		},
	}
	cmd.Flags().StringVar(&deviceID, "device-id", "", "Device ID")
	cmd.Flags().StringVar(&code, "code", "", "Activation code")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

func request(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, serverURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if adminToken != "" {
		req.Header.Set("Authorization", "Bearer "+adminToken)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
