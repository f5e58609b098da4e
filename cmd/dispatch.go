package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var (
	dispatchAPI      string
	dispatchAssetID  string
	dispatchSiteID   string
	dispatchPowerMW  float64
	dispatchDuration uint64
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Inject a dispatch request into a running headend",
	RunE:  runDispatch,
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchAPI, "api", "http://localhost:8080", "headend API base URL")
	dispatchCmd.Flags().StringVar(&dispatchAssetID, "asset", "", "target asset id")
	dispatchCmd.Flags().StringVar(&dispatchSiteID, "site", "", "target site id")
	dispatchCmd.Flags().Float64Var(&dispatchPowerMW, "power", 0, "power in MW, positive discharges")
	dispatchCmd.Flags().Uint64Var(&dispatchDuration, "duration", 0, "duration in seconds")
	rootCmd.AddCommand(dispatchCmd)
}

func runDispatch(cmd *cobra.Command, args []string) error {
	body, err := json.Marshal(map[string]any{
		"asset_id":   dispatchAssetID,
		"site_id":    dispatchSiteID,
		"power_mw":   dispatchPowerMW,
		"duration_s": dispatchDuration,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(dispatchAPI+"/api/dispatch", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch request: %w", err)
	}
	defer resp.Body.Close()

	var pretty bytes.Buffer
	dec := json.NewDecoder(resp.Body)
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	enc := json.NewEncoder(&pretty)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return err
	}
	cmd.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("dispatch rejected with status %d", resp.StatusCode)
	}
	return nil
}
