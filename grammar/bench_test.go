package grammar

import "testing"

const benchSchema = `{
	"type": "object",
	"properties": {
		"name": {"type": "string"},
		"age": {"type": "integer"},
		"tags": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["name", "age"]
}`

func BenchmarkParseEBNF(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := ParseEBNF(jsonEBNF, "root"); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFromJSONSchema(b *testing.B) {
	schema := []byte(benchSchema)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := FromJSONSchema(schema); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkFromRegex(b *testing.B) {
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := FromRegex(`[a-z]+@[a-z]+\.(com|org|net)`); err != nil {
			b.Fatal(err)
		}
	}
}
