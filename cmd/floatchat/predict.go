package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"github.com/comigor/floatchat-go/internal/prediction"
	"github.com/comigor/floatchat-go/internal/process"
)

var (
	predictVariable      string
	predictHorizon       string
	predictSinceDays     int
	predictReturnHistory bool
	predictHistoryDays   int
)

var predictCmd = &cobra.Command{
	Use:   "predict",
	Short: "Run a single forecast and print the result as JSON",
	Example: `  floatchat predict --variable temperature --horizon 5d
  floatchat predict --variable psal --horizon "3 weeks" --return-history=false`,
	RunE: runPredict,
}

func init() {
	predictCmd.Flags().StringVar(&predictVariable, "variable", "", "temperature, salinity or pressure (aliases temp/t, psal/s, pres/p)")
	predictCmd.Flags().StringVar(&predictHorizon, "horizon", "", "forecast horizon, e.g. 5d, 2w, 6m, 1y, \"3 weeks\"")
	predictCmd.Flags().IntVar(&predictSinceDays, "since-days", prediction.DefaultSinceDays, "days of observations used for training")
	predictCmd.Flags().BoolVar(&predictReturnHistory, "return-history", true, "include recent observations in the output")
	predictCmd.Flags().IntVar(&predictHistoryDays, "history-days", prediction.DefaultHistoryDays, "days of observations returned as history")
	_ = predictCmd.MarkFlagRequired("variable")
	_ = predictCmd.MarkFlagRequired("horizon")
}

func runPredict(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	raw := prediction.RawRequest{
		Variable:      predictVariable,
		Horizon:       predictHorizon,
		SinceDays:     prediction.NumberOf(float64(predictSinceDays)),
		ReturnHistory: prediction.BoolOf(predictReturnHistory),
		HistoryDays:   prediction.NumberOf(float64(predictHistoryDays)),
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")

	res, err := prediction.New(process.NewExec(), cfg.Prediction).Predict(cmd.Context(), "", raw)
	var perr *prediction.Error
	if errors.As(err, &perr) {
		body := perr.Body
		if body == nil {
			body = map[string]any{"success": false, "error": perr.Message}
			if perr.Detail != "" {
				body["detail"] = perr.Detail
			}
		}
		_ = enc.Encode(body)
		return perr
	}
	if err != nil {
		return err
	}
	return enc.Encode(res)
}
