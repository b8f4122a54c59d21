package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prasenjit/go-mockengine/internal/config"
	"github.com/prasenjit/go-mockengine/internal/index"
	"github.com/prasenjit/go-mockengine/internal/models"
	"github.com/prasenjit/go-mockengine/internal/sandbox"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <rules.json>",
	Short: "Check a file of rules without starting the server",
	Long: `Reads a JSON array of rule definitions (the body accepted by POST /_api/rules)
and reports every rule that would be excluded from the rule index: invalid
fields, patterns that do not compile, malformed IP whitelists. Match and
response scripts are compiled to catch syntax errors.

Use "-" to read from standard input. Exits non-zero when any rule is rejected.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open rules file: %w", err)
		}
		defer f.Close()
		in = f
	}

	var inputs []models.CreateRuleInput
	if err := json.NewDecoder(in).Decode(&inputs); err != nil {
		return fmt.Errorf("failed to parse rules: %w", err)
	}

	rejected := checkRules(cmd.OutOrStdout(), inputs)
	fmt.Fprintf(cmd.OutOrStdout(), "%d rules, %d rejected\n", len(inputs), rejected)
	if rejected > 0 {
		return fmt.Errorf("%d of %d rules rejected", rejected, len(inputs))
	}
	return nil
}

// checkRules validates and compiles each rule, printing one line per
// rejection, and returns the number rejected
func checkRules(out io.Writer, inputs []models.CreateRuleInput) int {
	scripts := sandbox.New(config.Default().Engine.SandboxTimeout, nil)
	now := time.Now()
	rejected := 0
	for i := range inputs {
		rule := inputs[i].ToRule(fmt.Sprintf("rule-%d", i+1), now)
		label := rule.Name
		if label == "" {
			label = rule.ID
		}

		err := rule.Validate()
		if err == nil {
			_, err = index.Compile(rule)
		}
		if err == nil {
			err = checkScripts(scripts, rule)
		}
		if err != nil {
			rejected++
			fmt.Fprintf(out, "#%d %s: %v\n", i+1, label, err)
		}
	}
	return rejected
}

func checkScripts(scripts *sandbox.Sandbox, rule *models.Rule) error {
	if rule.MatchType == models.MatchTypeScript {
		if err := scripts.Check(rule.MatchCondition.Script); err != nil {
			return fmt.Errorf("match script: %w", err)
		}
	}
	if rule.Response.Type == models.ResponseTypeScript {
		if err := scripts.Check(rule.Response.Script); err != nil {
			return fmt.Errorf("response script: %w", err)
		}
	}
	return nil
}
