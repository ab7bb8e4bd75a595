package jsonschema

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// EBNF converts a JSON schema into EBNF text rooted at "root". The
// returned text contains only productions reachable from the root.
// Unsatisfiable schemas (empty enum, empty array bounds, unresolved
// $ref) are reported as errors.
func EBNF(schemaJSON []byte) (string, error) {
	var schema Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return "", fmt.Errorf("parse schema: %w", err)
	}

	c := &converter{
		definitions: schema.Defs,
		usedTypes:   make(map[string]bool),
		definedRefs: make(map[string]bool),
	}

	rootExpr, err := c.schemaToExpr(&schema)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "root = %s .\n", rootExpr)
	for _, rule := range c.rules {
		b.WriteString(rule)
		b.WriteString("\n")
	}
	c.addPrimitives(&b)
	return b.String(), nil
}

type converter struct {
	definitions map[string]*Schema
	usedTypes   map[string]bool
	rules       []string
	ruleNum     int
	definedRefs map[string]bool
}

// addRule appends a named production and returns its name.
func (c *converter) addRule(prefix, expr string) string {
	c.ruleNum++
	name := fmt.Sprintf("%s%d", prefix, c.ruleNum)
	c.rules = append(c.rules, fmt.Sprintf("%s = %s .", name, expr))
	return name
}

func (c *converter) schemaToExpr(schema *Schema) (string, error) {
	if schema == nil {
		c.usedTypes["value"] = true
		return "value", nil
	}

	if schema.Ref != "" {
		return c.resolveRef(schema.Ref)
	}

	if len(schema.Const) > 0 {
		return jsonLiteral(schema.Const)
	}

	if schema.Enum != nil {
		if len(schema.Enum) == 0 {
			return "", fmt.Errorf("property %q: empty enum matches nothing", schema.Name)
		}
		parts := make([]string, 0, len(schema.Enum))
		for _, v := range schema.Enum {
			lit, err := jsonLiteral(v)
			if err != nil {
				return "", err
			}
			parts = append(parts, lit)
		}
		return "( " + strings.Join(parts, " | ") + " )", nil
	}

	if alts := append(schema.AnyOf, schema.OneOf...); len(alts) > 0 {
		parts := make([]string, 0, len(alts))
		for _, alt := range alts {
			expr, err := c.schemaToExpr(alt)
			if err != nil {
				return "", err
			}
			parts = append(parts, expr)
		}
		return "( " + strings.Join(parts, " | ") + " )", nil
	}

	if len(schema.Type) > 1 {
		parts := make([]string, 0, len(schema.Type))
		for _, t := range schema.Type {
			expr, err := c.typeToExpr(t, schema)
			if err != nil {
				return "", err
			}
			parts = append(parts, expr)
		}
		return "( " + strings.Join(parts, " | ") + " )", nil
	}

	return c.typeToExpr(schema.EffectiveType(), schema)
}

func (c *converter) typeToExpr(typeName string, schema *Schema) (string, error) {
	switch typeName {
	case "object":
		return c.objectToExpr(schema)
	case "array":
		return c.arrayToExpr(schema)
	case "string":
		return c.stringToExpr(schema)
	case "number":
		c.usedTypes["number"] = true
		return "number", nil
	case "integer":
		c.usedTypes["integer"] = true
		return "int", nil
	case "boolean":
		return `( "true" | "false" )`, nil
	case "null":
		return `"null"`, nil
	case "value":
		c.usedTypes["value"] = true
		return "value", nil
	default:
		return "", fmt.Errorf("property %q: unsupported type %q", schema.Name, typeName)
	}
}

// objectToExpr emits an object with its declared properties in order.
// Required properties are emitted unconditionally; the remainder are
// individually optional. Undeclared properties are not allowed.
func (c *converter) objectToExpr(schema *Schema) (string, error) {
	c.usedTypes["ws"] = true

	if len(schema.Properties) == 0 {
		return `"{" ws "}"`, nil
	}

	requiredSet := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		requiredSet[name] = true
	}

	var required, optional []string
	for _, prop := range schema.Properties {
		expr, err := c.schemaToExpr(prop)
		if err != nil {
			return "", err
		}
		pair := fmt.Sprintf(`%s ws ":" ws %s`, jsonString(prop.Name), expr)
		if requiredSet[prop.Name] {
			required = append(required, pair)
		} else {
			optional = append(optional, pair)
		}
	}

	if len(required) > 0 {
		var b strings.Builder
		b.WriteString(strings.Join(required, ` "," ws `))
		for _, pair := range optional {
			fmt.Fprintf(&b, ` [ "," ws %s ]`, pair)
		}
		return fmt.Sprintf(`"{" ws %s ws "}"`, b.String()), nil
	}

	// All properties optional: one alternative per choice of first
	// present property, later ones independently optional.
	var alts []string
	for i, pair := range optional {
		var b strings.Builder
		b.WriteString(pair)
		for _, rest := range optional[i+1:] {
			fmt.Fprintf(&b, ` [ "," ws %s ]`, rest)
		}
		alts = append(alts, b.String())
	}
	return fmt.Sprintf(`( "{" ws "}" | "{" ws ( %s ) ws "}" )`, strings.Join(alts, " | ")), nil
}

func (c *converter) arrayToExpr(schema *Schema) (string, error) {
	c.usedTypes["ws"] = true

	if len(schema.PrefixItems) > 0 {
		parts := make([]string, 0, len(schema.PrefixItems))
		for _, item := range schema.PrefixItems {
			expr, err := c.schemaToExpr(item)
			if err != nil {
				return "", err
			}
			parts = append(parts, expr)
		}
		seq := strings.Join(parts, ` "," ws `)
		if schema.Items != nil {
			expr, err := c.schemaToExpr(schema.Items)
			if err != nil {
				return "", err
			}
			item := c.addRule("item", expr)
			seq += fmt.Sprintf(` { "," ws %s }`, item)
		}
		return fmt.Sprintf(`"[" ws %s ws "]"`, seq), nil
	}

	expr, err := c.schemaToExpr(schema.Items)
	if err != nil {
		return "", err
	}
	item := c.addRule("item", expr)

	min, max := schema.MinItems, -1
	if schema.MaxItems != nil {
		max = *schema.MaxItems
	}
	switch {
	case max != -1 && max < min:
		return "", fmt.Errorf("property %q: maxItems %d below minItems %d", schema.Name, max, min)
	case max == 0:
		return `"[" ws "]"`, nil
	case min == 0 && max == -1:
		return fmt.Sprintf(`( "[" ws "]" | "[" ws %s { "," ws %s } ws "]" )`, item, item), nil
	}

	// Bounded: min required items, then nested optional tail.
	var b strings.Builder
	for i := 0; i < min; i++ {
		if i > 0 {
			b.WriteString(` "," ws `)
		}
		b.WriteString(item)
	}
	tail := ""
	if max == -1 {
		tail = fmt.Sprintf(` { "," ws %s }`, item)
	} else {
		for i := min; i < max; i++ {
			tail = fmt.Sprintf(` [ "," ws %s%s ]`, item, tail)
		}
	}
	if min == 0 {
		// tail is a chain of optionals; first element has no comma.
		inner := fmt.Sprintf(`%s%s`, item, chainTail(item, 1, max))
		return fmt.Sprintf(`( "[" ws "]" | "[" ws %s ws "]" )`, inner), nil
	}
	return fmt.Sprintf(`"[" ws %s%s ws "]"`, b.String(), tail), nil
}

// chainTail builds the nested optional continuation for items from
// position from (0-based) up to max exclusive.
func chainTail(item string, from, max int) string {
	tail := ""
	for i := from; i < max; i++ {
		tail = fmt.Sprintf(` [ "," ws %s%s ]`, item, tail)
	}
	return tail
}

func (c *converter) stringToExpr(schema *Schema) (string, error) {
	if schema.Format != "" {
		return c.formatToExpr(schema.Format)
	}
	// Regex patterns are not compiled into the grammar; the value is
	// constrained to a well-formed JSON string and the pattern is left
	// to post-generation validation.
	c.usedTypes["string"] = true
	return "string", nil
}

func (c *converter) formatToExpr(format string) (string, error) {
	switch format {
	case "date":
		c.usedTypes["digit"] = true
		return c.addRule("date", `"\"" digit digit digit digit "-" digit digit "-" digit digit "\""`), nil
	case "time":
		c.usedTypes["digit"] = true
		return c.addRule("time", `"\"" digit digit ":" digit digit ":" digit digit "\""`), nil
	case "date-time":
		c.usedTypes["digit"] = true
		return c.addRule("datetime", `"\"" digit digit digit digit "-" digit digit "-" digit digit "T" digit digit ":" digit digit ":" digit digit ( "Z" | ( "+" | "-" ) digit digit ":" digit digit ) "\""`), nil
	case "uuid":
		c.usedTypes["hex"] = true
		return c.addRule("uuid", `"\"" hex hex hex hex hex hex hex hex "-" hex hex hex hex "-" hex hex hex hex "-" hex hex hex hex "-" hex hex hex hex hex hex hex hex hex hex hex hex "\""`), nil
	case "email":
		if !c.definedRefs["emailchar"] {
			c.definedRefs["emailchar"] = true
			c.rules = append(c.rules, `emailchar = "a" … "z" | "A" … "Z" | "0" … "9" | "." | "-" | "_" .`)
		}
		return c.addRule("email", `"\"" emailchar { emailchar } "@" emailchar { emailchar } "." emailchar { emailchar } "\""`), nil
	case "ipv4":
		c.usedTypes["digit"] = true
		return c.addRule("ipv4_", `"\"" digit { digit } "." digit { digit } "." digit { digit } "." digit { digit } "\""`), nil
	default:
		c.usedTypes["string"] = true
		return "string", nil
	}
}

func (c *converter) resolveRef(ref string) (string, error) {
	if ref == "#" {
		return "root", nil
	}
	name, ok := strings.CutPrefix(ref, "#/$defs/")
	if !ok {
		return "", fmt.Errorf("unsupported $ref %q", ref)
	}

	ruleName := "def_" + sanitizeName(name)
	if c.definedRefs[name] {
		return ruleName, nil
	}
	c.definedRefs[name] = true

	def, ok := c.definitions[name]
	if !ok {
		return "", fmt.Errorf("unresolved $ref %q", ref)
	}
	expr, err := c.schemaToExpr(def)
	if err != nil {
		return "", err
	}
	c.rules = append(c.rules, fmt.Sprintf("%s = %s .", ruleName, expr))
	return ruleName, nil
}

func (c *converter) addPrimitives(b *strings.Builder) {
	if c.usedTypes["value"] {
		c.usedTypes["string"] = true
		c.usedTypes["number"] = true
		c.usedTypes["ws"] = true
		b.WriteString(`
value = object | array | string | number | "true" | "false" | "null" .
object = "{" ws "}" | "{" members "}" .
members = member { "," member } .
member = ws string ws ":" element .
array = "[" ws "]" | "[" elements "]" .
elements = element { "," element } .
element = ws value ws .
`)
	}

	if c.usedTypes["string"] {
		c.usedTypes["hex"] = true
		b.WriteString(`
string = "\"" { character } "\"" .
character = unescaped | escaped .
unescaped = " " | "!" | "#" … "[" | "]" … "\U0010FFFF" .
escaped = "\\" ( "\"" | "\\" | "/" | "b" | "f" | "n" | "r" | "t" | unicode ) .
unicode = "u" hex hex hex hex .
`)
	}

	if c.usedTypes["number"] {
		c.usedTypes["digit"] = true
		c.usedTypes["onenine"] = true
		b.WriteString(`
number = [ "-" ] integer [ fraction ] [ exponent ] .
integer = "0" | onenine { digit } .
fraction = "." digit { digit } .
exponent = ( "e" | "E" ) [ "+" | "-" ] digit { digit } .
`)
	}

	if c.usedTypes["integer"] {
		c.usedTypes["digit"] = true
		c.usedTypes["onenine"] = true
		b.WriteString(`
int = [ "-" ] ( "0" | onenine { digit } ) .
`)
	}

	if c.usedTypes["digit"] {
		b.WriteString(`digit = "0" … "9" .` + "\n")
	}
	if c.usedTypes["onenine"] {
		b.WriteString(`onenine = "1" … "9" .` + "\n")
	}
	if c.usedTypes["hex"] {
		b.WriteString(`hex = "0" … "9" | "A" … "F" | "a" … "f" .` + "\n")
	}
	if c.usedTypes["ws"] {
		b.WriteString(`ws = { " " | "\t" | "\n" | "\r" } .` + "\n")
	}
}

// jsonLiteral renders a raw JSON value as an EBNF token matching its
// compact encoding.
func jsonLiteral(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("invalid literal %s: %w", raw, err)
	}
	return strconv.Quote(buf.String()), nil
}

// jsonString renders a property name as an EBNF token matching its
// JSON string encoding, quotes included.
func jsonString(s string) string {
	enc, _ := json.Marshal(s)
	return strconv.Quote(string(enc))
}

func sanitizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
