package vault

import (
	"reflect"
	"testing"
)

func TestNewMergesEnvironment(t *testing.T) {
	v := newFromEnviron(
		map[string]string{"GITHUB_TOKEN": "static", "EMPTY": ""},
		"SCALY_SECRET_",
		[]string{"SCALY_SECRET_GITHUB_TOKEN=env", "SCALY_SECRET_OPENWEATHER_KEY=ow", "HOME=/root", "SCALY_SECRET_=x"},
	)
	if got := v.Names(); !reflect.DeepEqual(got, []string{"GITHUB_TOKEN", "OPENWEATHER_KEY"}) {
		t.Fatalf("Names() = %v", got)
	}
	if got, _ := v.Resolve("GITHUB_TOKEN"); got != "static" {
		t.Errorf("static secret should win, got %q", got)
	}
	if _, ok := v.Resolve("HOME"); ok {
		t.Error("unprefixed env var leaked into vault")
	}
}

func TestScope(t *testing.T) {
	v := newFromEnviron(map[string]string{"API_KEY": "k", "DB_PASSWORD": "p", "TOKEN": "t", "GITHUB_TOKEN": "g"}, "", nil)
	tests := []struct {
		name string
		text string
		want map[string]string
	}{
		{name: "named in command", text: `curl -H "X-Key: $API_KEY" example.com`, want: map[string]string{"API_KEY": "k"}},
		{name: "none", text: "ls -la", want: nil},
		{name: "both", text: "use API_KEY and DB_PASSWORD", want: map[string]string{"API_KEY": "k", "DB_PASSWORD": "p"}},
		{name: "suffix overlap", text: `curl -H "Authorization: $GITHUB_TOKEN" api.github.com`, want: map[string]string{"GITHUB_TOKEN": "g"}},
		{name: "prefix overlap", text: "echo $API_KEY_V2 $TOKEN2", want: nil},
		{name: "braced", text: "echo ${TOKEN}", want: map[string]string{"TOKEN": "t"}},
		{name: "second occurrence", text: "MY_TOKEN then TOKEN", want: map[string]string{"TOKEN": "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := v.Scope(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("Scope() = %v, want %v", got, tt.want)
			}
		})
	}
}
