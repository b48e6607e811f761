package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubstitute_NoPlaceholders(t *testing.T) {
	text := `{"static":true}`
	result, err := Substitute(text, nil)
	require.NoError(t, err)
	assert.Equal(t, text, result)
}

func TestSubstitute_Variables(t *testing.T) {
	vars := Vars{"session": "pub-3", "seq": int64(42)}

	result, err := Substitute(`{"session":"${session}","seq":${seq}}`, vars)
	require.NoError(t, err)
	assert.Equal(t, `{"session":"pub-3","seq":42}`, result)
}

func TestSubstitute_EnvironmentVariable(t *testing.T) {
	t.Setenv("BROKERSTORM_TEST_REGION", "eu-west")

	result, err := Substitute("region=${env:BROKERSTORM_TEST_REGION}", Vars{})
	require.NoError(t, err)
	assert.Equal(t, "region=eu-west", result)
}

func TestSubstitute_VariableShadowsFunction(t *testing.T) {
	result, err := Substitute("${uuid()}", Vars{"uuid()": "fixed"})
	require.NoError(t, err)
	assert.Equal(t, "fixed", result)
}

func TestSubstitute_CollectsAllErrors(t *testing.T) {
	_, err := Substitute("${missing1} ${env:BROKERSTORM_TEST_UNSET} ${random(abc)}", Vars{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `variable "missing1" not found`)
	assert.Contains(t, err.Error(), `env var "BROKERSTORM_TEST_UNSET" not set`)
	assert.Contains(t, err.Error(), "random() takes 2 argument(s), got 1")
}

func TestSubstitute_UnknownFunctionIsMissingVariable(t *testing.T) {
	_, err := Substitute("${unknown_func()}", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidate(t *testing.T) {
	t.Setenv("BROKERSTORM_TEST_TOKEN", "x")

	assert.NoError(t, Validate(`{"id":"${message_id}","t":"${env:BROKERSTORM_TEST_TOKEN}","u":"${uuid()}"}`, "message_id"))

	err := Validate(`${message_id} ${nope} ${env:BROKERSTORM_TEST_UNSET}`, "message_id")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown placeholder "nope"`)
	assert.Contains(t, err.Error(), "BROKERSTORM_TEST_UNSET")
}

func BenchmarkSubstitute(b *testing.B) {
	vars := Vars{"message_id": "abc", "session": "pub-1", "seq": 7}
	text := `{"id":"${message_id}","session":"${session}","seq":${seq}}`

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_, _ = Substitute(text, vars)
	}
}
