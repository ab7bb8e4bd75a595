package grammar

import "sync"

// jsonEBNF is a character-level EBNF grammar for JSON, following
// https://www.json.org/json-en.html.
const jsonEBNF = `
root = element .

value = object | array | string | number | "true" | "false" | "null" .

object = "{" ws "}" | "{" members "}" .
members = member { "," member } .
member = ws string ws ":" element .

array = "[" ws "]" | "[" elements "]" .
elements = element { "," element } .
element = ws value ws .

string = "\"" { character } "\"" .
character = unescaped | escaped .
unescaped = " " | "!" | "#" … "[" | "]" … "\U0010FFFF" .
escaped = "\\" ( "\"" | "\\" | "/" | "b" | "f" | "n" | "r" | "t" | unicode ) .
unicode = "u" hex hex hex hex .
hex = "0" … "9" | "A" … "F" | "a" … "f" .

number = [ "-" ] integer [ fraction ] [ exponent ] .
integer = "0" | onenine { digit } .
fraction = "." digit { digit } .
exponent = ( "e" | "E" ) [ "+" | "-" ] digit { digit } .
digit = "0" … "9" .
onenine = "1" … "9" .

ws = { " " | "\t" | "\n" | "\r" } .
`

var builtinJSON = sync.OnceValues(func() (*Grammar, error) {
	return ParseEBNF(jsonEBNF, "root")
})

// JSON returns the builtin grammar accepting any JSON value. The
// returned Grammar is shared; callers must not mutate it.
func JSON() *Grammar {
	g, err := builtinJSON()
	if err != nil {
		// The grammar text is a compile-time constant.
		panic("grammar: builtin JSON grammar: " + err.Error())
	}
	return g
}
