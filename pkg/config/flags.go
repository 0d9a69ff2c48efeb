package config

import (
	"errors"
	"flag"
	"fmt"
	"maps"
	"slices"
	"strconv"

	"gopkg.in/yaml.v3"
)

// skippedConfigFlags are the flags that may not be set from the config file.
var skippedConfigFlags = []string{"print_version", "config_file"}

// parseConfig decodes a YAML mapping of flag names to scalar values into their string representation.
func parseConfig(configBytes []byte) (map[ /*flagName*/ string] /*flagValue*/ string, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(configBytes, &root); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	conf := make(map[string]string)
	if len(root.Content) == 0 { // Empty document.
		return conf, nil
	}
	mapping := root.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping of flag names to values", mapping.Line)
	}
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		keyNode, valueNode := mapping.Content[i], mapping.Content[i+1]
		if valueNode.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: flag '%s' must have a scalar value", valueNode.Line, keyNode.Value)
		}
		if _, alreadyExists := conf[keyNode.Value]; alreadyExists {
			return nil, fmt.Errorf("line %d: flag '%s' has multiple entries", keyNode.Line, keyNode.Value)
		}
		conf[keyNode.Value] = valueNode.Value
	}
	return conf, nil
}

// setConfigFlags sets all the flags in the given `conf` on `flagSet`, except those explicitly set on the command line.
// Every entry must name a defined flag.
func setConfigFlags(flagSet *flag.FlagSet, conf map[ /*flagName*/ string] /*flagValue*/ string) error {
	explicitFlags := make(map[string]struct{})
	flagSet.Visit(func(f *flag.Flag) { explicitFlags[f.Name] = struct{}{} })

	errs := make([]error, 0)
	for _, flagName := range slices.Sorted(maps.Keys(conf)) {
		if slices.Contains(skippedConfigFlags, flagName) {
			errs = append(errs, fmt.Errorf("flag '%s' can't be set from the config file", flagName))
			continue
		}
		if flagSet.Lookup(flagName) == nil {
			errs = append(errs, fmt.Errorf("flag '%s' is not defined", flagName))
			continue
		}
		if _, explicit := explicitFlags[flagName]; explicit {
			continue
		}
		if err := flagSet.Set(flagName, conf[flagName]); err != nil {
			errs = append(errs, fmt.Errorf("failed to set flag %s=%s: %w", flagName, strconv.Quote(conf[flagName]), err))
		}
	}
	return errors.Join(errs...)
}
