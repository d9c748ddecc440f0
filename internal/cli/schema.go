package cli

import (
	"context"
	"fmt"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kilupskalvis/classd/internal/schema"
)

var schemaCmd = &cobra.Command{
	Use:   "schema [className]",
	Short: "Show the stored class schemas",
	Long: `Show the stored class schemas, including the built-in system
classes. With a class name, prints that class's fields and permissions.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runSchema,
}

func runSchema(_ *cobra.Command, args []string) {
	cfg := loadConfig()
	adapter := openAdapter(cfg)
	defer adapter.Close()

	sc, err := schema.Load(context.Background(), adapter, cfg.AllowClientClassCreation)
	if err != nil {
		exitError("failed to load schema: %v", err)
	}

	bold := color.New(color.Bold)
	cyan := color.New(color.FgCyan)

	if len(args) == 1 {
		s := sc.GetOneSchema(args[0])
		if s == nil {
			exitError("class '%s' not found", args[0])
		}
		bold.Println(s.ClassName)
		fields := make([]string, 0, len(s.Fields))
		for name := range s.Fields {
			fields = append(fields, name)
		}
		sort.Strings(fields)
		for _, name := range fields {
			f := s.Fields[name]
			line := fmt.Sprintf("  %-24s %s", name, f.Type)
			if f.TargetClass != "" {
				line += "<" + f.TargetClass + ">"
			}
			if f.Required {
				line += "  required"
			}
			fmt.Println(line)
		}
		return
	}

	classes := sc.GetAllClasses()
	sort.Slice(classes, func(i, j int) bool { return classes[i].ClassName < classes[j].ClassName })
	for _, s := range classes {
		cyan.Printf("%-24s", s.ClassName)
		fmt.Printf(" %d fields\n", len(s.Fields))
	}
}
