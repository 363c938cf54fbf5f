package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"regexp"
	"strings"

	"sigs.k8s.io/yaml"

	"github.com/uvensys/bastet/lib/policy/config"
)

var (
	inputFile      = flag.String("input", "", "path to robots.txt file (use - for stdin)")
	outputFile     = flag.String("output", "", "output file path (use - for stdout, defaults to stdout)")
	outputFormat   = flag.String("format", "yaml", "output format: yaml or json")
	policyName     = flag.String("name", "robots-txt", "prefix for the names of the generated locations")
	difficultyBits = flag.Int("difficulty", 0, "if > 0, difficulty_bits of the generated policy")
	helpFlag       = flag.Bool("help", false, "show help")
)

type RobotsRule struct {
	UserAgent   string
	Disallows   []string
	Allows      []string
	IsBlacklist bool // true if the user agent may not crawl anything
}

// Policy is the subset of a bastet policy file that robots.txt can express.
type Policy struct {
	Mode           config.Mode       `json:"mode"`
	DifficultyBits *int              `json:"difficulty_bits,omitempty"`
	Locations      []config.Location `json:"locations"`
}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage of %s:\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "%s [options] -input <robots.txt>\n\n", os.Args[0])
		flag.PrintDefaults()
		fmt.Fprintln(os.Stderr, "\nExamples:")
		fmt.Fprintln(os.Stderr, "  # Convert local robots.txt file")
		fmt.Fprintln(os.Stderr, "  robots2policy -input robots.txt -output policy.yaml")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  # Convert from URL")
		fmt.Fprintln(os.Stderr, "  robots2policy -input https://example.com/robots.txt -format json")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "  # Read from stdin, write to stdout")
		fmt.Fprintln(os.Stderr, "  curl https://example.com/robots.txt | robots2policy -input -")
		os.Exit(2)
	}
}

func main() {
	flag.Parse()

	if len(flag.Args()) > 0 || *helpFlag || *inputFile == "" {
		flag.Usage()
	}

	var input io.Reader
	if *inputFile == "-" {
		input = os.Stdin
	} else if strings.HasPrefix(*inputFile, "http://") || strings.HasPrefix(*inputFile, "https://") {
		resp, err := http.Get(*inputFile)
		if err != nil {
			log.Fatalf("failed to fetch robots.txt from URL: %v", err)
		}
		defer resp.Body.Close()
		input = resp.Body
	} else {
		file, err := os.Open(*inputFile)
		if err != nil {
			log.Fatalf("failed to open input file: %v", err)
		}
		defer file.Close()
		input = file
	}

	rules, err := parseRobotsTxt(input)
	if err != nil {
		log.Fatalf("failed to parse robots.txt: %v", err)
	}

	p := convertToPolicy(rules, *policyName, *difficultyBits)
	if len(p.Locations) == 0 {
		log.Fatal("no locations generated from robots.txt - file may be empty or contain no disallow directives")
	}

	output, err := marshal(p, *outputFormat)
	if err != nil {
		log.Fatal(err)
	}

	if *outputFile == "" || *outputFile == "-" {
		fmt.Print(string(output))
	} else {
		err = os.WriteFile(*outputFile, output, 0644)
		if err != nil {
			log.Fatalf("failed to write output file: %v", err)
		}
		fmt.Printf("Generated bastet policy written to %s\n", *outputFile)
	}
}

func marshal(p Policy, format string) ([]byte, error) {
	var output []byte
	var err error

	switch strings.ToLower(format) {
	case "yaml":
		output, err = yaml.Marshal(p)
	case "json":
		output, err = json.MarshalIndent(p, "", "  ")
	default:
		return nil, fmt.Errorf("unsupported output format: %s (use yaml or json)", format)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to marshal output: %w", err)
	}

	return output, nil
}

func parseRobotsTxt(input io.Reader) ([]RobotsRule, error) {
	scanner := bufio.NewScanner(input)
	var rules []RobotsRule
	var currentRule *RobotsRule

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if len(parts) != 2 {
			continue
		}

		directive := strings.TrimSpace(strings.ToLower(parts[0]))
		value := strings.TrimSpace(parts[1])

		switch directive {
		case "user-agent":
			if currentRule != nil {
				rules = append(rules, *currentRule)
			}
			currentRule = &RobotsRule{
				UserAgent: value,
				Disallows: make([]string, 0),
				Allows:    make([]string, 0),
			}

		case "disallow":
			if currentRule != nil && value != "" {
				currentRule.Disallows = append(currentRule.Disallows, value)
			}

		case "allow":
			if currentRule != nil && value != "" {
				currentRule.Allows = append(currentRule.Allows, value)
			}
		}
	}

	if currentRule != nil {
		rules = append(rules, *currentRule)
	}

	for i := range rules {
		for _, disallow := range rules[i].Disallows {
			if disallow == "/" {
				rules[i].IsBlacklist = true
				break
			}
		}
	}

	return rules, scanner.Err()
}

// convertToPolicy gates every path robots.txt disallows. The result is an
// exclusion policy: anything robots.txt does not mention is never challenged.
func convertToPolicy(robotsRules []RobotsRule, name string, difficulty int) Policy {
	result := Policy{
		Mode:      config.ModeExclusion,
		Locations: []config.Location{},
	}

	if difficulty > 0 {
		result.DifficultyBits = &difficulty
	}

	counter := 0
	seen := map[string]bool{}

	add := func(kind, userAgent string, pathRegex *string) {
		key := userAgent + "\x00"
		if pathRegex != nil {
			key += *pathRegex
		}
		if seen[key] {
			return
		}
		seen[key] = true

		counter++
		loc := config.Location{
			Name:      fmt.Sprintf("%s-%s-%d", name, kind, counter),
			PathRegex: pathRegex,
		}

		if userAgent != "*" {
			loc.HeadersRegex = map[string]string{
				"User-Agent": regexp.QuoteMeta(userAgent),
			}
		}

		result.Locations = append(result.Locations, loc)
	}

	for _, robotsRule := range robotsRules {
		if robotsRule.IsBlacklist {
			everything := "^/"
			if robotsRule.UserAgent == "*" {
				add("global-restriction", "*", &everything)
			} else {
				add("blacklist", robotsRule.UserAgent, nil)
			}
			continue
		}

		for _, disallow := range robotsRule.Disallows {
			regex := buildPathRegex(disallow)
			add("disallow", robotsRule.UserAgent, &regex)
		}
	}

	return result
}

func buildPathRegex(robotsPath string) string {
	anchored := strings.HasSuffix(robotsPath, "$")
	robotsPath = strings.TrimSuffix(robotsPath, "$")

	regex := regexp.QuoteMeta(robotsPath)
	regex = strings.ReplaceAll(regex, `\*`, `.*`) // * becomes .*
	regex = strings.ReplaceAll(regex, `\?`, `.`)  // ? becomes .
	regex = "^" + regex

	if anchored {
		regex += "$"
	}

	return regex
}
