package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coral-mesh/hostprof/internal/stack"
)

func TestParsePhpspy(t *testing.T) {
	out := "0 sleep <internal>:-1\n1 handler /var/www/index.php:12\n2 <main> /var/www/index.php:30\n# pid = 455\n\n" +
		"0 handler /var/www/index.php:12\n1 <main> /var/www/index.php:30\n# pid = 455\n\n" +
		"0 sleep <internal>:-1\n1 handler /var/www/index.php:12\n2 <main> /var/www/index.php:30\n# pid = 455\n\n" +
		"0 main /srv/cli.php:3\n# pid = 900\n\n"

	got, err := ParsePhpspy(out)
	require.NoError(t, err)
	assert.Equal(t, map[int]stack.Collapsed{
		455: {
			"<main> /var/www/index.php:30_[php];handler /var/www/index.php:12_[php];sleep <internal>:-1_[php]": 2,
			"<main> /var/www/index.php:30_[php];handler /var/www/index.php:12_[php]":                          1,
		},
		900: {"main /srv/cli.php:3_[php]": 1},
	}, got)
}

func TestParsePhpspyCorrupted(t *testing.T) {
	out := "0 main /a.php:1\n# pid = 1\n\n" +
		"0 main /a.php:1\n2 skipped-depth /a.php:2\n# pid = 1\n\n" +
		"0 main /a.php:1\nno pid line\n\n" +
		"# pid = 3\n\n"

	got, err := ParsePhpspy(out)
	assert.ErrorContains(t, err, "3 corrupted stacks")
	assert.Equal(t, map[int]stack.Collapsed{1: {"main /a.php:1_[php]": 1}}, got)
}
