package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	integrityv1 "gointegrity/api/integrity/v1"
	"gointegrity/pkg/audit"
	"gointegrity/storage"
)

func printYAML(w io.Writer, v interface{}) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func checkOutput() error {
	switch output {
	case "text", "yaml":
		return nil
	default:
		return fmt.Errorf("unknown output format %q", output)
	}
}

func orNull(s string) string {
	if s == "" {
		return "null"
	}
	return s
}

func printState(w io.Writer, resp *integrityv1.StateResponse) error {
	if err := checkOutput(); err != nil {
		return err
	}
	if output == "yaml" {
		return printYAML(w, struct {
			Resource    string    `yaml:"resource"`
			Domain      string    `yaml:"domain"`
			State       any       `yaml:"state"`
			LastUpdated time.Time `yaml:"lastUpdated"`
		}{resp.Resource, resp.Domain, resp.State, resp.LastUpdated})
	}
	fmt.Fprintf(w, "Resource:       %s\n", resp.Resource)
	fmt.Fprintf(w, "Domain:         %s\n", resp.Domain)
	fmt.Fprintf(w, "Admin State:    %s\n", resp.State.Admin)
	fmt.Fprintf(w, "Op State:       %s\n", resp.State.Op)
	fmt.Fprintf(w, "Avail Status:   %s\n", orNull(string(resp.State.Avail)))
	fmt.Fprintf(w, "Standby Status: %s\n", orNull(string(resp.State.Standby)))
	fmt.Fprintf(w, "Last Updated:   %s\n", resp.LastUpdated.Format(time.RFC3339))
	return nil
}

func printSelfTest(w io.Writer, resp *integrityv1.SelfTestResponse) error {
	if err := checkOutput(); err != nil {
		return err
	}
	if output == "yaml" {
		return printYAML(w, struct {
			Resource string            `yaml:"resource"`
			Healthy  bool              `yaml:"healthy"`
			Message  string            `yaml:"message,omitempty"`
			NotWell  map[string]string `yaml:"notWell,omitempty"`
		}{resp.Resource, resp.Healthy, resp.Message, resp.NotWell})
	}
	fmt.Fprintf(w, "Resource: %s\n", resp.Resource)
	fmt.Fprintf(w, "Healthy:  %t\n", resp.Healthy)
	if resp.Message != "" {
		fmt.Fprintf(w, "Message:  %s\n", resp.Message)
	}
	keys := make([]string, 0, len(resp.NotWell))
	for k := range resp.NotWell {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "Not well: %s: %s\n", k, resp.NotWell[k])
	}
	return nil
}

func printDesignations(w io.Writer, recs []storage.DesignationRecord) error {
	if err := checkOutput(); err != nil {
		return err
	}
	if output == "yaml" {
		return printYAML(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSITE\tADDRESS\tDESIGNATED\tLAST UPDATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", r.ResourceName, r.Site, r.Address, r.Designated, r.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printProgress(w io.Writer, recs []storage.ProgressRecord) error {
	if err := checkOutput(); err != nil {
		return err
	}
	if output == "yaml" {
		return printYAML(w, recs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tTYPE\tSITE\tCOUNTER\tLAST UPDATED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.ResourceName, r.NodeType, r.Site, r.Counter, r.LastUpdated.Format(time.RFC3339))
	}
	return tw.Flush()
}

func printReport(w io.Writer, designated bool, report *audit.Report) error {
	if err := checkOutput(); err != nil {
		return err
	}
	if output == "yaml" {
		return printYAML(w, struct {
			Designated bool          `yaml:"designated"`
			Report     *audit.Report `yaml:"report,omitempty"`
		}{designated, report})
	}
	fmt.Fprintf(w, "Designated: %t\n", designated)
	if report == nil {
		fmt.Fprintln(w, "No audit has run on this resource")
		return nil
	}
	fmt.Fprintf(w, "Run:        %s\n", report.RunID)
	fmt.Fprintf(w, "Finished:   %s (%s)\n", report.Finished.Format(time.RFC3339), report.Duration)
	fmt.Fprintf(w, "Peers:      %d\n", report.Peers)
	fmt.Fprintf(w, "Classes:    %d\n", report.Classes)
	fmt.Fprintf(w, "Compared:   %d\n", report.Compared)
	fmt.Fprintf(w, "Suspects:   %d\n", report.Suspects)
	fmt.Fprintf(w, "Mismatches: %d\n", len(report.Mismatches))
	for _, m := range report.Mismatches {
		side := "differs"
		switch {
		case m.LocalMissing:
			side = "missing locally"
		case m.PeerMissing:
			side = "missing on peer"
		}
		fmt.Fprintf(w, "  %s/%s vs %s: %s\n", m.Class, m.Key, m.Peer, side)
	}
	for _, e := range report.PeerErrors {
		fmt.Fprintf(w, "Peer error: %s\n", e)
	}
	return nil
}
