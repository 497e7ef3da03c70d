package env

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseSkipsMalformed(t *testing.T) {
	v := Parse([]string{"A=1", "=x", "B", "C=a=b", "A=2"})
	want := Vars{"A": "2", "C": "a=b"}
	if !reflect.DeepEqual(v, want) {
		t.Fatalf("Parse = %v, want %v", v, want)
	}
}

func TestMergeExpands(t *testing.T) {
	out := Merge(
		[]string{"HOME=/home/bot", "PATH=/usr/bin"},
		[]string{"DATA=${HOME}/data", "PATH=/opt/bot/bin:$PATH", "LOG=$DATA/log", "MISSING=${NOPE}x"},
	)
	want := []string{
		"DATA=/home/bot/data",
		"HOME=/home/bot",
		"LOG=/home/bot/data/log",
		"MISSING=x",
		"PATH=/opt/bot/bin:/usr/bin",
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("Merge = %v, want %v", out, want)
	}
}

func TestMergeEmptyExtra(t *testing.T) {
	if out := Merge([]string{"A=1"}, nil); !reflect.DeepEqual(out, []string{"A=1"}) {
		t.Fatalf("Merge = %v", out)
	}
}

func FuzzMerge(f *testing.F) {
	f.Add("A=1", "B=${A}")
	f.Add("=", "$")
	f.Fuzz(func(t *testing.T, base, extra string) {
		for _, kv := range Merge([]string{base}, []string{extra}) {
			if strings.HasPrefix(kv, "=") {
				t.Fatalf("empty key: %q", kv)
			}
		}
	})
}
