package collector

import (
	"testing"

	"github.com/tj/assert"
)

func TestParseCpuOutput(t *testing.T) {
	usage, err := parseCpuOutput("23.4\n")
	assert.Nil(t, err)
	assert.Equal(t, 23.4, usage)

	// Comma decimal separator
	usage, err = parseCpuOutput("23,4\n")
	assert.Nil(t, err)
	assert.Equal(t, 23.4, usage)

	_, err = parseCpuOutput("garbage")
	assert.Error(t, err)

	_, err = parseCpuOutput("")
	assert.Error(t, err)
}

func TestParseMemoryOutput(t *testing.T) {
	used, free, total, err := parseMemoryOutput("9000 7000 16000\n")
	assert.Nil(t, err)
	assert.Equal(t, int64(9000), used)
	assert.Equal(t, int64(7000), free)
	assert.Equal(t, int64(16000), total)

	_, _, _, err = parseMemoryOutput("9000 7000")
	assert.Error(t, err)

	_, _, _, err = parseMemoryOutput("")
	assert.Error(t, err)
}

func TestParseGpuOutput(t *testing.T) {
	gpuOut := "0, NVIDIA GeForce RTX 3090, 1024, 24576, 87\n" +
		"1, NVIDIA GeForce RTX 3090, 0, 24576, 0\n"
	procsOut := "12345, python3, NVIDIA GeForce RTX 3090\n"

	samples := parseGpuOutput(gpuOut, procsOut, func(pid string) string {
		assert.Equal(t, "12345", pid)
		return "ada"
	})

	assert.Len(t, samples, 2)
	assert.Equal(t, 0, samples[0].Index)
	assert.Equal(t, "NVIDIA GeForce RTX 3090", samples[0].Name)
	assert.Equal(t, 1024.0, samples[0].MemoryUsedMb)
	assert.Equal(t, 24576.0, samples[0].MemoryTotal)
	assert.Equal(t, 87.0, samples[0].Utilization)
	assert.Equal(t, "python3", samples[0].Process)
	assert.Equal(t, "ada", samples[0].User)
}

func TestParseGpuOutputNoProcesses(t *testing.T) {
	gpuOut := "0, Tesla T4, 0, 15360, 0\n"

	samples := parseGpuOutput(gpuOut, "", func(pid string) string {
		t.Fatal("user lookup should not run without processes")
		return ""
	})

	assert.Len(t, samples, 1)
	assert.Equal(t, "", samples[0].Process)
	assert.Equal(t, "", samples[0].User)
}

func TestParseGpuOutputSkipsMalformedLines(t *testing.T) {
	gpuOut := "0, Tesla T4, 0, 15360, 0\nnot a gpu line\n"

	samples := parseGpuOutput(gpuOut, "", func(string) string { return "" })
	assert.Len(t, samples, 1)
}

func TestParseDiskOutputFiltersSystemMounts(t *testing.T) {
	out := `Mounted on  Size  Used Avail Use%
/           500G  200G  300G  40%
/home       1.0T  500G  500G  50%
/boot/efi   512M  5.0M  507M   1%
/run        16G   2.0M   16G   1%
/snap/core  56M    56M     0 100%
`

	samples := parseDiskOutput(out)
	assert.Len(t, samples, 2)
	assert.Equal(t, "/", samples[0].MountPoint)
	assert.Equal(t, "/home", samples[1].MountPoint)
	assert.Equal(t, "50%", samples[1].UsagePercentage)
}

func TestParseSessionsOutput(t *testing.T) {
	out := "ada      pts/0    10.0.0.5         09:15    2:00   0.10s sshd\n" +
		"grace    tty1     -                08:00   10:00   1.20s bash\n"

	samples := parseSessionsOutput(out)
	assert.Len(t, samples, 2)
	assert.Equal(t, "ada", samples[0].User)
	assert.Equal(t, "pts/0", samples[0].TTY)
	assert.Equal(t, "10.0.0.5", samples[0].From)
	assert.Equal(t, "09:15", samples[0].LoginTime)

	assert.Empty(t, parseSessionsOutput(""))
}
