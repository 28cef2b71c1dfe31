package config

import "strings"

// SplitAlgorithm separates the algorithm name from inline options,
// so "mgm -s vfit" yields ("mgm", "-s vfit")
func SplitAlgorithm(s string) (name, options string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return strings.ToLower(s), ""
	}
	return strings.ToLower(s[:i]), strings.TrimSpace(s[i+1:])
}

// ParseOptions splits an option string into program options and environment
// variables. A token NAME=VALUE that does not start with a dash is an
// environment variable. A token "-key=value" is a self-contained option,
// otherwise "-key value" pairs are read; a key followed by another key or
// by nothing gets an empty value. Later keys override earlier ones while
// keeping the position of the first occurrence.
func ParseOptions(s string) (order []string, options map[string]string, env map[string]string) {
	options = make(map[string]string)
	env = make(map[string]string)

	tokens := strings.Fields(s)
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		if !strings.HasPrefix(tok, "-") {
			if k, v, ok := strings.Cut(tok, "="); ok && k != "" {
				env[k] = v
			}
			continue
		}

		key, val := tok, ""
		if k, v, ok := strings.Cut(tok, "="); ok {
			key, val = k, v
		} else if i+1 < len(tokens) && !isOptionKey(tokens[i+1]) {
			val = tokens[i+1]
			i++
		}

		if _, seen := options[key]; !seen {
			order = append(order, key)
		}
		options[key] = val
	}

	return order, options, env
}

// isOptionKey tells a flag from a negative number value such as "-1"
func isOptionKey(tok string) bool {
	if !strings.HasPrefix(tok, "-") || len(tok) < 2 {
		return false
	}
	c := tok[1]
	return !(c >= '0' && c <= '9') && c != '.'
}

// MergeOptions overlays user options on top of defaults key by key.
// The result keeps default ordering followed by new user keys.
func MergeOptions(defOrder []string, defaults map[string]string, userOrder []string, user map[string]string) ([]string, map[string]string) {
	merged := make(map[string]string, len(defaults)+len(user))
	order := make([]string, 0, len(defOrder)+len(userOrder))

	for _, k := range defOrder {
		merged[k] = defaults[k]
		order = append(order, k)
	}
	for _, k := range userOrder {
		if _, ok := merged[k]; !ok {
			order = append(order, k)
		}
		merged[k] = user[k]
	}

	return order, merged
}

// JoinOptions renders options back into argument tokens
func JoinOptions(order []string, options map[string]string) []string {
	args := make([]string, 0, 2*len(order))
	for _, k := range order {
		args = append(args, k)
		if v := options[k]; v != "" {
			args = append(args, v)
		}
	}
	return args
}
