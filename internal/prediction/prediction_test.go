package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/floatchat-go/internal/config"
	"github.com/comigor/floatchat-go/internal/process"
	"github.com/comigor/floatchat-go/internal/store"
)

type spyRunner struct {
	calls  []process.Command
	result *process.Result
	err    error
}

func (s *spyRunner) Run(_ context.Context, c process.Command) (*process.Result, error) {
	s.calls = append(s.calls, c)
	return s.result, s.err
}

func testConfig() config.PredictionConfig {
	return config.PredictionConfig{
		Command:      "python3",
		Args:         []string{"predictions/prediction.py"},
		WorkDir:      "/srv/core",
		Env:          map[string]string{"pg_dsn": "postgres://argo"},
		Timeout:      time.Minute,
		ExcerptLimit: 16,
	}
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

const successJSON = `{"success":true,"input":{"variable":"pressure","horizon":"2 weeks","horizonDays":2},"unit":"dbar",
"predictions":[{"date":"2025-06-01","pred":101.5},{"date":"2025-06-02","pred":101.7}],
"history":[{"date":"2025-05-31","value":100.9}],"model":"XGBRegressor","meta":{"rowsFetched":365}}`

func TestPredict_RejectsInvalidVariableWithoutSpawning(t *testing.T) {
	for _, variable := range []string{"", "oxygen", "TEMPERATUREX", "chlorophyll"} {
		spy := &spyRunner{}
		_, err := New(spy, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: variable, Horizon: "5d"})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, http.StatusBadRequest, perr.Status)
		require.Empty(t, spy.calls, "variable %q", variable)
	}
}

func TestPredict_RejectsEmptyHorizon(t *testing.T) {
	spy := &spyRunner{}
	_, err := New(spy, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "salinity", Horizon: "   "})

	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusBadRequest, perr.Status)
	require.Empty(t, spy.calls)
}

func TestPredict_PressureWithoutHistory(t *testing.T) {
	spy := &spyRunner{result: &process.Result{ExitCode: 0, Stdout: successJSON, Stderr: "FutureWarning: pandas\n"}}
	raw := RawRequest{
		Variable:      "pressure",
		Horizon:       "2 weeks",
		SinceDays:     NumberOf(365),
		ReturnHistory: BoolOf(false),
	}

	res, err := New(spy, testConfig()).Predict(context.Background(), "u1", raw)
	require.NoError(t, err)

	require.Len(t, spy.calls, 1)
	call := spy.calls[0]
	require.Equal(t, "python3", call.Executable)
	require.Equal(t, "predictions/prediction.py", call.Args[0])
	require.Equal(t, "2 weeks", flagValue(call.Args, "--horizon"))
	require.Equal(t, "pressure", flagValue(call.Args, "--variable"))
	require.Equal(t, "365", flagValue(call.Args, "--since-days"))
	require.Equal(t, "false", flagValue(call.Args, "--return-history"))
	require.Equal(t, "30", flagValue(call.Args, "--history-days"))
	require.Equal(t, "--json", call.Args[len(call.Args)-1])
	require.Equal(t, "/srv/core", call.Dir)
	require.Equal(t, map[string]string{"PG_DSN": "postgres://argo"}, call.Env)

	require.Nil(t, res.History)
	require.Len(t, res.Predictions, 2)
	require.Equal(t, "dbar", res.Unit)
	require.Equal(t, 14, *res.Input.HorizonDays)
	require.Equal(t, 0, res.Meta["exitCode"])
	require.Equal(t, "FutureWarning: p…", res.Meta["stderr"])

	raw2, err := json.Marshal(res)
	require.NoError(t, err)
	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw2, &wire))
	require.NotContains(t, wire, "history")
	require.Contains(t, wire, "predictions")
}

func TestPredict_HistoryWhenRequested(t *testing.T) {
	spy := &spyRunner{result: &process.Result{Stdout: successJSON}}
	res, err := New(spy, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "pres", Horizon: "14d"})
	require.NoError(t, err)
	require.NotNil(t, res.History)
	require.Len(t, *res.History, 1)
	require.Equal(t, Pressure, res.Input.Variable)
	require.Equal(t, "true", flagValue(spy.calls[0].Args, "--return-history"))
}

func TestPredict_CoercesNonFiniteNumbers(t *testing.T) {
	var raw RawRequest
	require.NoError(t, json.Unmarshal([]byte(`{"variable":"temp","horizon":"1y","sinceDays":"NaN","historyDays":"abc","returnHistory":"no"}`), &raw))

	spy := &spyRunner{result: &process.Result{Stdout: successJSON}}
	res, err := New(spy, testConfig()).Predict(context.Background(), "u1", raw)
	require.NoError(t, err)
	require.Equal(t, "1095", flagValue(spy.calls[0].Args, "--since-days"))
	require.Equal(t, "30", flagValue(spy.calls[0].Args, "--history-days"))
	require.Equal(t, "false", flagValue(spy.calls[0].Args, "--return-history"))
	require.Equal(t, 365, *res.Input.HorizonDays)
	require.Equal(t, Temperature, res.Input.Variable)
}

func TestPredict_FailureTiers(t *testing.T) {
	t.Run("nonzero exit with empty stdout", func(t *testing.T) {
		spy := &spyRunner{result: &process.Result{ExitCode: 2, Stderr: "Traceback: psycopg2.OperationalError"}}
		_, err := New(spy, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "temperature", Horizon: "5d"})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, "prediction process failed", perr.Message)
		require.Equal(t, "Traceback: psyco…", perr.Detail)
		require.Equal(t, 2, *perr.ExitCode)
		require.Nil(t, perr.Body)
	})

	for name, exit := range map[string]int{"non-json stdout with exit 0": 0, "non-json stdout with exit 1": 1} {
		t.Run(name, func(t *testing.T) {
			spy := &spyRunner{result: &process.Result{ExitCode: exit, Stdout: "Segmentation fault in xgboost core"}}
			_, err := New(spy, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "temperature", Horizon: "5d"})

			var perr *Error
			require.ErrorAs(t, err, &perr)
			require.Equal(t, "failed to parse prediction output", perr.Message)
			require.Equal(t, "Segmentation fau…", perr.Detail)
			require.Nil(t, perr.Body)
		})
	}

	t.Run("structured failure returned verbatim", func(t *testing.T) {
		payload := `{"success": false, "error": "Model artifact not found for 'pres'", "hint": "train first"}`
		spy := &spyRunner{result: &process.Result{ExitCode: 1, Stdout: payload}}
		_, err := New(spy, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "pressure", Horizon: "5d"})

		var perr *Error
		require.ErrorAs(t, err, &perr)
		require.Equal(t, map[string]any{
			"success": false,
			"error":   "Model artifact not found for 'pres'",
			"hint":    "train first",
		}, perr.Body)
	})
}

func TestPredict_JSONAfterProgressOutput(t *testing.T) {
	spy := &spyRunner{result: &process.Result{Stdout: "loading model...\n" + strings.ReplaceAll(successJSON, "\n", "") + "\n"}}
	res, err := New(spy, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "pressure", Horizon: "2w"})
	require.NoError(t, err)
	require.Len(t, res.Predictions, 2)
}

func TestPredict_SpawnAndTimeout(t *testing.T) {
	spawn := &spyRunner{err: &process.SpawnError{Executable: "python3", Err: errors.New("executable file not found in $PATH")}}
	_, err := New(spawn, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "pressure", Horizon: "5d"})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusInternalServerError, perr.Status)
	require.Contains(t, perr.Detail, "not found")

	timeout := &spyRunner{result: &process.Result{TimedOut: true, ExitCode: -1, Stderr: "fitting"}, err: process.ErrTimeout}
	_, err = New(timeout, testConfig()).Predict(context.Background(), "u1", RawRequest{Variable: "pressure", Horizon: "5d"})
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusGatewayTimeout, perr.Status)
	require.ErrorIs(t, err, process.ErrTimeout)
	require.Equal(t, "fitting", perr.Detail)
}

type fakeConversations map[string]*store.Conversation

func (f fakeConversations) GetConversation(_ context.Context, id string) (*store.Conversation, error) {
	c, ok := f[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return c, nil
}

type lockSpy struct{ locked []string }

func (l *lockSpy) OnFirstTurn(_ context.Context, id string) error {
	l.locked = append(l.locked, id)
	return nil
}

func TestPredict_LocksConversation(t *testing.T) {
	convs := fakeConversations{"c1": {ID: "c1", UserID: "u1"}}
	locks := &lockSpy{}
	spy := &spyRunner{result: &process.Result{Stdout: successJSON}}
	o := New(spy, testConfig(), WithModeGuard(convs, locks))

	_, err := o.Predict(context.Background(), "u1", RawRequest{Variable: "pressure", Horizon: "5d", ConversationID: "c1"})
	require.NoError(t, err)
	require.Equal(t, []string{"c1"}, locks.locked)

	_, err = o.Predict(context.Background(), "intruder", RawRequest{Variable: "pressure", Horizon: "5d", ConversationID: "c1"})
	var perr *Error
	require.ErrorAs(t, err, &perr)
	require.Equal(t, http.StatusNotFound, perr.Status)
	require.Len(t, spy.calls, 1)

	// invalid requests don't lock
	_, err = o.Predict(context.Background(), "u1", RawRequest{Variable: "oxygen", Horizon: "5d", ConversationID: "c1"})
	require.Error(t, err)
	require.Len(t, locks.locked, 1)
}

func TestHorizonDays(t *testing.T) {
	cases := map[string]int{
		"5d": 5, "3w": 21, "6m": 180, "1y": 365, "2y": 365,
		"14 days": 14, "2 weeks": 14, "1 month": 30, " 3 W ": 21,
		"9223372036854775807y": 365, "1000000000000000000 weeks": 365, "400d": 365,
	}
	for in, want := range cases {
		got, ok := HorizonDays(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	for _, in := range []string{"", "soon", "5 fortnights", "d5", "-3d", "99999999999999999999d"} {
		_, ok := HorizonDays(in)
		require.False(t, ok, in)
	}
}

func TestExcerpt(t *testing.T) {
	require.Equal(t, "abc", excerpt("  abc \n", 10))
	require.Equal(t, "ab…", excerpt("abcdef", 2))
	require.Equal(t, "°…", excerpt("°°°", 3))
}
