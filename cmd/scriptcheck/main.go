// Command scriptcheck validates a rule file offline and previews the dosing
// plan of an EC controller configuration.
//
//	scriptcheck -rule rule.json
//	scriptcheck -ec ec.json -measured 1650
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"hydrocontrol/internal/dosing"
	"hydrocontrol/internal/engine"
	"hydrocontrol/internal/errcode"
	"hydrocontrol/internal/models"
	"hydrocontrol/internal/script"
	"hydrocontrol/internal/utils"
)

var log = utils.Component("SCRIPTCHECK")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	fs := flag.NewFlagSet("scriptcheck", flag.ContinueOnError)
	fs.SetOutput(out)
	rulePath := fs.String("rule", "", "rule JSON file to validate")
	ecPath := fs.String("ec", "", "EC controller configuration JSON file")
	measured := fs.Float64("measured", 0, "measured EC for the dosing preview")
	logLevel := fs.String("log-level", "warn", "log level")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	utils.InitLogging(*logLevel)
	if *rulePath == "" && *ecPath == "" {
		fmt.Fprintln(out, "nothing to check: pass -rule and/or -ec")
		return 2
	}

	status := 0
	if *rulePath != "" {
		if err := checkRule(*rulePath, out); err != nil {
			log.WithError(err).WithField("file", *rulePath).Debug("rule rejected")
			status = 1
		}
	}
	if *ecPath != "" {
		if err := previewDosing(*ecPath, *measured, out); err != nil {
			log.WithError(err).WithField("file", *ecPath).Debug("preview failed")
			status = 1
		}
	}
	return status
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func checkRule(path string, out io.Writer) error {
	var in engine.RuleInput
	if err := readJSON(path, &in); err != nil {
		fmt.Fprintf(out, "%s: %v\n", path, err)
		return err
	}
	// every script error, not only the first one BuildRule reports
	if in.Script != nil {
		_, res, err := script.ValidateScript(*in.Script)
		if err != nil {
			fmt.Fprintf(out, "%s: %v\n", path, err)
			return err
		}
		for _, fe := range res.Errors {
			fmt.Fprintf(out, "%s: %s\n", path, fe.Error())
		}
		if !res.OK() {
			return res.Err()
		}
	}
	rule, err := engine.BuildRule(in)
	if err != nil {
		if f := errcode.FieldOf(err); f != "" {
			fmt.Fprintf(out, "%s: %s: %v\n", path, f, err)
		} else {
			fmt.Fprintf(out, "%s: %v\n", path, err)
		}
		return err
	}
	form := "composite"
	if rule.RuleJSON.IsScript() {
		form = "script"
	}
	fmt.Fprintf(out, "%s: ok (%s rule %q, priority %d)\n", path, form, rule.Name, rule.Priority)
	return nil
}

func previewDosing(path string, measured float64, out io.Writer) error {
	var in models.ECControllerConfig
	if err := readJSON(path, &in); err != nil {
		fmt.Fprintf(out, "%s: %v\n", path, err)
		return err
	}
	if in.DeviceID == "" {
		in.DeviceID = "offline"
	}
	cfg, err := engine.ValidateECConfig(in)
	if err != nil {
		fmt.Fprintf(out, "%s: %v\n", path, err)
		return err
	}
	if measured <= 0 {
		err := errors.New("-measured must be positive")
		fmt.Fprintln(out, err)
		return err
	}
	plan := dosing.ComputeDosage(cfg, measured)
	if plan == nil {
		fmt.Fprintf(out, "%s: nothing to dose at EC %.2f\n", path, measured)
		return nil
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(plan)
}
